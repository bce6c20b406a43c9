package pages

import "html/template"

// Status is the page served at the root of the status server.
var Status = template.Must(template.New("status").Parse(`
<!DOCTYPE html>
<html>
<head>
    <title>CaesarTV {{.Agent.Device.Name}}</title>
    <meta http-equiv="refresh" content="10">
    <style>
        body {
            font-family: Arial, sans-serif;
            line-height: 1.6;
            max-width: 800px;
            margin: 0 auto;
            padding: 20px;
        }
        td, th {
            text-align: left;
            padding-right: 16px;
        }
    </style>
</head>
<body>
    <h1>{{.Agent.Device.Name}}</h1>
    <p>Device {{.Agent.Device.ID}} &middot; version {{.Version}}</p>
    <p>State: <strong>{{.Agent.State}}</strong>{{if .Agent.Blocked}} (blocked){{end}}</p>
    <p>Playlist: {{.Player.Items}} items{{if .Player.Current}}, showing {{.Player.Current}}{{end}}</p>
    {{if not .Agent.LastSync.IsZero}}<p>Last sync: {{.Agent.LastSync.Format "2006-01-02 15:04:05"}}</p>{{end}}
    <h2>Recent plays</h2>
    <table>
        <tr><th>Played</th><th>Media</th><th>Outcome</th></tr>
        {{range .Plays}}<tr><td>{{.PlayedAt.Format "2006-01-02 15:04:05"}}</td><td>{{if .Title}}{{.Title}}{{else}}{{.MediaID}}{{end}}</td><td>{{.Outcome}}</td></tr>
        {{end}}
    </table>
</body>
</html>`))
