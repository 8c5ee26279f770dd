package vhosts

import "fauxnetd/internal/operations"

// Site-generation phases
const (
	PhaseCA           = 1
	PhaseDownload     = 2
	PhaseCertificates = 3
	PhaseHosts        = 4
	PhaseNginx        = 5
	PhaseLanding      = 6
	PhaseSummary      = 7
)

var catalog = operations.MustCatalog(
	operations.PhaseDefinition{
		Number:      PhaseCA,
		Name:        "Generate CA",
		Description: "Create the certificate authority and the shared virtual host key",
		Weight:      5,
	},
	operations.PhaseDefinition{
		Number:      PhaseDownload,
		Name:        "Download websites",
		Description: "Download each site and discover its URLs",
		Requires:    []int{PhaseCA},
		Weight:      50,
		NeedsSites:  true,
	},
	operations.PhaseDefinition{
		Number:      PhaseCertificates,
		Name:        "Generate certificates",
		Description: "Issue a certificate for every downloaded host",
		Requires:    []int{PhaseCA, PhaseDownload},
		Weight:      15,
	},
	operations.PhaseDefinition{
		Number:      PhaseHosts,
		Name:        "Generate hosts",
		Description: "Resolve every host and write hosts entries",
		Requires:    []int{PhaseDownload},
		Weight:      5,
	},
	operations.PhaseDefinition{
		Number:      PhaseNginx,
		Name:        "Generate nginx configs",
		Description: "Write the nginx server blocks",
		Requires:    []int{PhaseDownload, PhaseCertificates, PhaseHosts},
		Weight:      10,
	},
	operations.PhaseDefinition{
		Number:      PhaseLanding,
		Name:        "Generate landing page",
		Description: "Write the fauxnet.info index of hosts",
		Requires:    []int{PhaseCertificates, PhaseHosts, PhaseNginx},
		Weight:      5,
	},
	operations.PhaseDefinition{
		Number:      PhaseSummary,
		Name:        "Generate summary",
		Description: "Write the JSON and spreadsheet summary of scraped sites",
		Requires:    []int{PhaseDownload},
		Weight:      10,
	},
)

// Catalog returns the site-generation phases
func Catalog() *operations.Catalog {
	return catalog
}
