package server

import (
	"html/template"

	"github.com/ttybridge/devhubd-go/hub"
)

type statusTemplateData struct {
	Version     string
	Devices     []hub.Record
	DeviceCount int
	Log         string
	CSRFField   template.HTML
}

const templateString = `
<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no">
  <title>devhubd status</title>
  <style>
    body {
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", "Roboto", "Helvetica Neue", Arial, sans-serif;
    }

    h1 {
      font-size: 36px;
    }

    p {
      color: #858585;
    }

    .item {
      border: 1px solid lightgray;
      border-radius: 4px;
      min-width: 320px;
      max-width: 640px;
      margin: 20px auto;
      padding: 10px 20px;
    }

    pre {
      background: #f4f4f4;
      max-width: 640px;
      margin: 20px auto;
      padding: 10px;
      overflow-x: auto;
    }
  </style>
</head>
<body>
  <h1>devhubd {{.Version}}</h1>
  <p>{{.DeviceCount}} device(s) attached.</p>

  {{range .Devices}}
  <div class="item">
    <h3>{{.ID}}</h3>
    <ul>
      <li>device file: {{.Path}}</li>
      <li>debug port: {{.Port}}</li>
      <li>mode: {{.Mode}}</li>
      {{if .UID}}<li>uid: {{.UID}}</li>{{end}}
      <li>decode: {{.DecodeProto}}, encode: {{.EncodeProto}}</li>
      <li>outstanding calls: {{.OutstandingCalls}}</li>
    </ul>
  </div>
  {{end}}

  <form action="/status/log.gz" method="POST">
    {{.CSRFField}}
    <button type="submit">Download detailed log</button>
  </form>

  <pre>{{.Log}}</pre>
</body>
</html>
`

var statusTemplate = template.Must(template.New("status").Parse(templateString))
