package hostnet

import (
	"bytes"
	_ "embed"
	"fmt"
	"text/template"
)

//go:embed default_network.xml
var defaultNetworkXML string

type networkTemplateData struct {
	Name   string
	Bridge string
}

// renderNetworkXML fills the bundled network definition with the configured
// network and bridge names.
func renderNetworkXML(name, bridge string) (string, error) {
	tmpl, err := template.New("network").Parse(defaultNetworkXML)
	if err != nil {
		return "", fmt.Errorf("parse network template: %w", err)
	}

	var buf bytes.Buffer
	data := networkTemplateData{Name: name, Bridge: bridge}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render network template: %w", err)
	}
	return buf.String(), nil
}
