package cmdutil

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/alecthomas/kong"
	"golang.org/x/term"
)

// ResolvePassword returns a kong.Resolver that prompts on the terminal for
// required password flags left empty. If confirm is true, the password has
// to be entered twice.
func ResolvePassword(confirm bool) kong.Resolver {
	return kong.ResolverFunc(func(ctx *kong.Context, parent *kong.Path, flag *kong.Flag) (interface{}, error) {
		if flag.Tag.Type != "password" || !flag.Required || flag.Value.Set && !flag.Value.Target.IsZero() {
			return nil, nil
		}
		if flag.Target.Kind() != reflect.String {
			return nil, fmt.Errorf(`'password' type must be applied to a string not %s`, flag.Target.Type())
		}
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			// Let kong report the missing flag
			return nil, nil
		}

		name := strings.ToTitle(flag.Name)
		for {
			pwd, err := readPassword(fd, fmt.Sprintf("Enter %s: ", name))
			if err != nil || pwd == "" {
				return nil, err
			}
			if !confirm {
				return pwd, nil
			}
			pwd2, err := readPassword(fd, fmt.Sprintf("Re-enter %s: ", name))
			if err != nil {
				return nil, err
			}
			if pwd == pwd2 {
				return pwd, nil
			}
			fmt.Fprintln(os.Stderr, "Passwords do not match. Please try again.")
		}
	})
}

func readPassword(fd int, prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("password could not be read: %v", err)
	}
	return strings.TrimSpace(string(b)), nil
}
