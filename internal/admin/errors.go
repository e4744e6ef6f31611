package admin

import "errors"

var (
	errEmptyPassphrase = errors.New("passphrase must not be empty")
	errNoArchiver      = errors.New("export archival is not configured")
)
