package sector

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/samber/lo"

	"github.com/orbitlab-cloud/orbitctl/internal/manifest"
)

// gatewayScript drives sgwtool inside a freshly started gateway appliance:
// frr learns the subnet gateway addresses and the backplane uplink, nftables
// gets the sector nat rules. The appliance tolerates reruns.
const gatewayScript = `#!/usr/bin/env bash
set -euo pipefail

/usr/local/bin/sgwtool frr set \
{{- range .SectorAddresses }}
  --sector-subnet-addr {{ . }} \
{{- end }}
  --backplane-assigned-addr {{ .BackplaneAddress }} \
  --backplane-gw-ip {{ .BackplaneGateway }}

/usr/local/bin/sgwtool nftables set \
  --primary-sector-ip {{ .PrimaryAddress }} \
  --backplane-network {{ .BackplaneNetwork }}

/usr/local/bin/sgwtool frr restart
/usr/local/bin/sgwtool nftables restart
`

var gatewayScriptTemplate = template.Must(template.New("gateway").Parse(gatewayScript))

type gatewayScriptData struct {
	SectorAddresses  []string
	BackplaneAddress string
	BackplaneGateway string
	PrimaryAddress   string
	BackplaneNetwork string
}

func renderGatewayScript(backplane *manifest.Backplane, gateway *manifest.Gateway) (string, error) {
	if len(gateway.SectorAddresses) == 0 {
		return "", ErrGatewayNotProvisioned
	}

	data := gatewayScriptData{
		SectorAddresses: lo.Map(gateway.SectorAddresses, func(address manifest.Prefix, _ int) string {
			return address.String()
		}),
		BackplaneAddress: gateway.BackplaneAddress.String(),
		BackplaneGateway: backplane.Gateway.String(),
		PrimaryAddress:   gateway.SectorAddresses[0].Addr().String(),
		BackplaneNetwork: backplane.CIDRBlock.String(),
	}

	var script strings.Builder
	if err := gatewayScriptTemplate.Execute(&script, data); err != nil {
		return "", fmt.Errorf("failed to render gateway script: %w", err)
	}

	return script.String(), nil
}
