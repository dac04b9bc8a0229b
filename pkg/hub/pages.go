package hub

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"sort"
	"time"

	"github.com/opendx28/slicerhub/pkg/types"
)

const landingPage = `<!DOCTYPE html>
<html>
<head><title>3D Slicer Hub</title></head>
<body>
<h1>3D Slicer Hub</h1>
<p><a href="/login">Log in</a> to start or resume your session.</p>
{{if .Rows}}
<h2>{{if .Admin}}All sessions{{else}}Shared sessions{{end}}</h2>
<table border="1" cellpadding="4">
<tr><th>User</th><th>CPU %</th><th>Last activity</th><th>Link</th></tr>
{{range .Rows}}
<tr>
<td>{{.User}}</td>
<td>{{printf "%.1f" .CPUPct}}</td>
<td>{{.LastActivity}}</td>
<td><a href="{{.URLPath}}">open</a>{{if .ViewOnly}} (view only){{end}}</td>
</tr>
{{end}}
</table>
{{else}}
<p>No {{if .Admin}}active{{else}}shared{{end}} sessions.</p>
{{end}}
</body>
</html>
`

const loginPage = `<!DOCTYPE html>
<html>
<head><title>3D Slicer Hub - Login</title></head>
<body>
<h1>Log in</h1>
{{if .Message}}<p><strong>{{.Message}}</strong></p>{{end}}
<form method="post" action="/login">
<label>Username <input type="text" name="username" autofocus></label><br>
<label>Password <input type="password" name="password"></label><br>
<button type="submit">Log in</button>
</form>
</body>
</html>
`

const sessionPage = `<!DOCTYPE html>
<html>
<head><title>3D Slicer Hub - Session</title></head>
<body>
<h1>Session for {{.User}}</h1>
<p><a href="{{.OpenURL}}">Open 3D Slicer</a></p>
<ul>
<li>CPU: {{printf "%.1f" .CPUPct}} %</li>
<li>Last activity: {{.LastActivity}}</li>
<li>Shared: {{if .Shared}}yes{{if .Interactive}} (interactive){{else}} (view only){{end}}{{else}}no{{end}}</li>
{{if .GPU}}<li>GPU session</li>{{end}}
</ul>
{{if .Shared}}
<form method="post" action="/sessions/{{.ID}}/unshare"><button type="submit">Stop sharing</button></form>
{{else}}
<form method="post" action="/sessions/{{.ID}}/share">
<label><input type="checkbox" name="interactive" value="1"> allow visitors to control</label>
<button type="submit">Share</button>
</form>
{{end}}
<form method="post" action="/sessions/{{.ID}}/close"><button type="submit">Close session</button></form>
</body>
</html>
`

const messagePage = `<!DOCTYPE html>
<html>
<head><title>3D Slicer Hub</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
<p><a href="/index.html">Back to the hub</a></p>
</body>
</html>
`

var (
	landingTmpl = template.Must(template.New("landing").Parse(landingPage))
	loginTmpl   = template.Must(template.New("login").Parse(loginPage))
	sessionTmpl = template.Must(template.New("session").Parse(sessionPage))
	messageTmpl = template.Must(template.New("message").Parse(messagePage))
)

type landingRow struct {
	User         string
	CPUPct       float64
	LastActivity string
	URLPath      string
	ViewOnly     bool
}

type landingData struct {
	Admin bool
	Rows  []landingRow
}

type sessionData struct {
	ID           string
	User         string
	OpenURL      string
	CPUPct       float64
	LastActivity string
	Shared       bool
	Interactive  bool
	GPU          bool
}

type messageData struct {
	Title   string
	Message string
}

// renderLanding produces the landing page. The public view lists shared
// sessions only; the admin view lists everything and is what gets
// persisted to disk for operators.
func renderLanding(sessions []*types.Session, admin bool) ([]byte, error) {
	rows := make([]landingRow, 0, len(sessions))
	for _, s := range sessions {
		if !admin && !s.Info.Shared {
			continue
		}
		rows = append(rows, landingRow{
			User:         s.User,
			CPUPct:       s.Info.CPUPct,
			LastActivity: s.LastActivity.Format(time.RFC3339),
			URLPath:      s.URLPath,
			ViewOnly:     s.Info.Shared && !s.Info.Interactive,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].User < rows[j].User })

	var buf bytes.Buffer
	if err := landingTmpl.Execute(&buf, landingData{Admin: admin, Rows: rows}); err != nil {
		return nil, fmt.Errorf("failed to render landing page: %w", err)
	}
	return buf.Bytes(), nil
}

// renderSession produces the management page for one session. The desktop
// link is absolute so it stays valid when the page is saved or shared.
func renderSession(s *types.Session, baseURL string) ([]byte, error) {
	var buf bytes.Buffer
	err := sessionTmpl.Execute(&buf, sessionData{
		ID:           s.ID,
		User:         s.User,
		OpenURL:      baseURL + s.URLPath,
		CPUPct:       s.Info.CPUPct,
		LastActivity: s.LastActivity.Format(time.RFC3339),
		Shared:       s.Info.Shared,
		Interactive:  s.Info.Interactive,
		GPU:          s.GPU,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render session page: %w", err)
	}
	return buf.Bytes(), nil
}

func renderLogin(message string) ([]byte, error) {
	var buf bytes.Buffer
	if err := loginTmpl.Execute(&buf, struct{ Message string }{message}); err != nil {
		return nil, fmt.Errorf("failed to render login page: %w", err)
	}
	return buf.Bytes(), nil
}

func renderMessage(title, message string) ([]byte, error) {
	var buf bytes.Buffer
	if err := messageTmpl.Execute(&buf, messageData{Title: title, Message: message}); err != nil {
		return nil, fmt.Errorf("failed to render message page: %w", err)
	}
	return buf.Bytes(), nil
}

// PersistIndex writes the admin landing page to path, for operators
// watching the hub from outside. No-op when path is empty.
func (h *Hub) PersistIndex(path string) error {
	if path == "" {
		return nil
	}
	sessions, err := h.store.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions for index: %w", err)
	}
	page, err := renderLanding(sessions, true)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, page, 0644); err != nil {
		return fmt.Errorf("failed to write index page: %w", err)
	}
	return nil
}
