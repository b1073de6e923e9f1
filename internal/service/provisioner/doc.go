// Package provisioner prepares the runtime directories of the installed application.
package provisioner
