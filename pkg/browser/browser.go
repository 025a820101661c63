// Package browser opens pages of the admin web console.
package browser

import (
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
	"strings"

	"github.com/nextkey/keyadmin/pkg/constants"
)

// startCommand runs the opener; replaced in tests.
var startCommand = func(name string, args ...string) error {
	return exec.Command(name, args...).Start()
}

// ConsoleURL returns the address of a console page. page is one of the
// keys of constants.ConsolePages, or empty for the dashboard. A project ID
// narrows the cards and cloud-vars pages to one project.
func ConsoleURL(consoleBase, page, projectID string) (string, error) {
	base, err := url.Parse(consoleBase)
	if err != nil {
		return "", fmt.Errorf("invalid console address: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("console address %q is not absolute", consoleBase)
	}
	if page == "" {
		return base.JoinPath("/").String(), nil
	}

	route, ok := constants.ConsolePages[page]
	if !ok {
		return "", fmt.Errorf("unknown console page %q", page)
	}
	elems := []string{strings.TrimPrefix(route, "/")}
	if projectID != "" && page != "login" && page != "projects" {
		elems = append(elems, projectID)
	}
	return base.JoinPath(elems...).String(), nil
}

// Open opens target in the default browser. The command is started and
// not waited for.
func Open(target string) error {
	cmd, args := openerFor(runtime.GOOS)
	if err := startCommand(cmd, append(args, target)...); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}

func openerFor(goos string) (string, []string) {
	commands, ok := constants.BrowserCommands[goos]
	if !ok || len(commands) == 0 {
		return "xdg-open", nil
	}
	return commands[0], append([]string(nil), commands[1:]...)
}
