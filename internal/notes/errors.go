package notes

import "github.com/pkg/errors"

var errShortNtFile = errors.New("NT_FILE descriptor truncated")
