package vncauth

import (
	"fmt"
	"os"
	"strings"

	"github.com/allape/gogger"
)

var l = gogger.New("vncauth")

// Credentials maps a matched VNC password to the daemon identity it
// authorizes as.
type Credentials struct {
	User   string
	Passwd string
}

// SyntaxError reports a broken line in the passwd file.
type SyntaxError struct {
	Path   string
	LineNo int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at %s:%d: %s", e.Path, e.LineNo, e.Msg)
}

// Manager reads the VNCAuth passwd file: one "vncpass -> user:pass" entry
// per line, '#' comments and blank lines ignored.
type Manager struct {
	path    string
	enabled bool
}

func NewManager(path string, enabled bool) *Manager {
	return &Manager{
		path:    path,
		enabled: enabled,
	}
}

// ReadCredentials returns the credential table and whether VNCAuth may be
// offered. A broken or unreadable file disables VNCAuth instead of failing
// the daemon.
func (m *Manager) ReadCredentials() (map[string]Credentials, bool) {
	if !m.enabled {
		return map[string]Credentials{}, true
	}
	credentials, err := m.readCredentials()
	if err != nil {
		l.Error().Println("reading VNCAuth passwd file:", err)
		return map[string]Credentials{}, false
	}
	return credentials, true
}

func (m *Manager) readCredentials() (map[string]Credentials, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}

	credentials := make(map[string]Credentials)
	for lineno, line := range strings.Split(string(data), "\n") {
		if len(strings.TrimSpace(line)) == 0 || strings.HasPrefix(strings.TrimLeft(line, " \t"), "#") {
			continue
		}

		if !strings.Contains(line, " -> ") {
			return nil, &SyntaxError{m.path, lineno, "missing ' -> ' operator"}
		}
		parts := strings.SplitN(line, " -> ", 2)
		vncPasswd := strings.TrimLeft(parts[0], " \t")
		userPass := strings.TrimLeft(parts[1], " \t")

		if !strings.Contains(userPass, ":") {
			return nil, &SyntaxError{m.path, lineno, "missing ':' operator in credentials (right part)"}
		}
		userParts := strings.SplitN(userPass, ":", 2)
		user := strings.TrimSpace(userParts[0])
		if len(user) == 0 {
			return nil, &SyntaxError{m.path, lineno, "empty user (right part)"}
		}

		if _, ok := credentials[vncPasswd]; ok {
			return nil, &SyntaxError{m.path, lineno, "duplicating VNC password (left part)"}
		}
		credentials[vncPasswd] = Credentials{User: user, Passwd: userParts[1]}
	}
	return credentials, nil
}
