package ytdlp

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// reservedFlags are set by the server for every download and may not be
// overridden through extra arguments.
var reservedFlags = []string{
	"-o", "--output", "-P", "--paths",
	"-f", "--format", "--merge-output-format",
	"--username", "--password", "-u", "-p",
	"--exec", "--exec-before-download", "-a", "--batch-file",
}

// SplitArgs splits a user-supplied argument string without involving a shell.
func SplitArgs(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	return args, nil
}

// ValidateExtraArgs rejects arguments that would redirect output, replace
// credentials, run commands, or carry shell metacharacters.
func ValidateExtraArgs(args []string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "|&;`$<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		name, _, _ := strings.Cut(arg, "=")
		for _, flag := range reservedFlags {
			if name == flag {
				return fmt.Errorf("argument %s is managed by the server", flag)
			}
		}
	}
	return nil
}
