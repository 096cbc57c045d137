package mal

import (
	"bytes"
	"html/template"

	log "github.com/sirupsen/logrus"
)

// callbackPage is rendered for every response of the callback listener. Provider
// supplied text is escaped by html/template.
var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}} - MyAnimeList</title>
    <style>
        * { box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, Cantarell, sans-serif;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
            background: #2e51a2;
            padding: 1rem;
        }
        .container {
            text-align: center;
            background: white;
            padding: 2.5rem;
            border-radius: 12px;
            box-shadow: 0 10px 25px rgba(0,0,0,0.1);
            max-width: 480px;
            width: 100%;
        }
        .icon {
            width: 64px;
            height: 64px;
            margin: 0 auto 1.5rem;
            border-radius: 50%;
            display: flex;
            align-items: center;
            justify-content: center;
            color: white;
            font-size: 2rem;
            font-weight: bold;
        }
        .ok { background: #10b981; }
        .fail { background: #ef4444; }
        h1 { color: #1f2937; margin-bottom: 1rem; font-size: 1.75rem; font-weight: 600; }
        .subtitle { color: #6b7280; font-size: 1rem; line-height: 1.5; }
        .detail { color: #9ca3af; font-size: 0.875rem; margin-top: 1rem; word-break: break-word; }
    </style>
</head>
<body>
    <div class="container">
        {{if .Success}}<div class="icon ok">&#10003;</div>{{else}}<div class="icon fail">!</div>{{end}}
        <h1>{{.Heading}}</h1>
        <p class="subtitle">{{.Message}}</p>
        {{if .Detail}}<p class="detail">{{.Detail}}</p>{{end}}
    </div>
    {{if .Success}}<script>setTimeout(function () { window.close(); }, 10000);</script>{{end}}
</body>
</html>`))

type pageData struct {
	Title   string
	Heading string
	Message string
	Detail  string
	Success bool
}

var (
	successPage = pageData{
		Title:   "Authentication Successful",
		Heading: "Authentication Successful!",
		Message: "You have successfully authorized the application. You can close this window and return to your terminal.",
		Success: true,
	}
	mismatchPage = pageData{
		Title:   "Unknown Login Attempt",
		Heading: "This link does not match the login in progress",
		Message: "The request was ignored. Finish the login from the window opened by the application.",
	}
	missingCodePage = pageData{
		Title:   "Missing Authorization Code",
		Heading: "No authorization code received",
		Message: "The redirect did not carry an authorization code. Please retry from the authorization page.",
	}
)

func deniedPage(detail string) pageData {
	return pageData{
		Title:   "Authorization Denied",
		Heading: "Authorization was not granted",
		Message: "The application was not authorized. Return to your terminal to start again.",
		Detail:  detail,
	}
}

func renderPage(data pageData) []byte {
	var buf bytes.Buffer
	if err := callbackPage.Execute(&buf, data); err != nil {
		log.Errorf("render callback page: %v", err)
		return []byte(data.Heading)
	}
	return buf.Bytes()
}
