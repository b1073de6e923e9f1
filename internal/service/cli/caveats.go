package cli

import (
	"fmt"
	"io"
	"os/user"
	"path/filepath"
	"text/template"

	"github.com/oshokin/snipvault-installer/internal/config"
	"github.com/oshokin/snipvault-installer/internal/service/installer"
)

// nextStepsTemplate is printed after a successful installation.
//
//nolint:gochecknoglobals // Parsed once, read-only afterwards.
var nextStepsTemplate = template.Must(template.New("next-steps").Parse(`
{{ .Product }} {{ .Version }} is installed: {{ .EntryPoint }}
Add {{ .BinDir }} to your PATH to run {{ .Command }} directly.

{{ .Product }} requires PostgreSQL and Pinecone API keys to function.

  1. Start PostgreSQL.

  2. Create database:
       createdb snipvault

  3. Set environment variables in ~/.zshrc or ~/.bashrc:
       export POSTGRES_HOST=localhost
       export POSTGRES_DB=snipvault
       export POSTGRES_USER={{ .User }}
       export PINECONE_API_KEY=your_pinecone_key
       export PINECONE_ENVIRONMENT=your_pinecone_env
       export GEMINI_API_KEY=your_gemini_key

  4. Initialize {{ .Product }}:
       {{ .Command }} init

For more information, visit:
https://github.com/ARTHURFLECK1828/snipvault#readme
`))

// nextSteps is the data rendered into nextStepsTemplate.
type nextSteps struct {
	Product    string
	Version    string
	EntryPoint string
	BinDir     string
	Command    string
	User       string
}

// WriteNextSteps prints the post-install guidance for the installed product.
func WriteNextSteps(w io.Writer, product config.Product, result *installer.Result) error {
	data := nextSteps{
		Product:    product.Name,
		Version:    product.Version,
		EntryPoint: result.EntryPoint,
		BinDir:     filepath.Dir(result.EntryPoint),
		Command:    product.EntryPoint,
		User:       currentUsername(),
	}

	if err := nextStepsTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("render next steps: %w", err)
	}

	return nil
}

// currentUsername returns the login name, or a shell reference when it cannot be detected.
func currentUsername() string {
	currentUser, err := user.Current()
	if err != nil || currentUser.Username == "" {
		return "$USER"
	}

	return currentUser.Username
}
