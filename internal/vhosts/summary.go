package vhosts

import (
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"
)

const (
	sitesSheet = "Sites"
	urlsSheet  = "URLs"
)

// writeWorkbook saves the site summary as a spreadsheet with one row per host
// and one row per discovered URL
func writeWorkbook(path string, sites map[string]SiteSummary) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sitesSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(urlsSheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}

	hosts := make([]string, 0, len(sites))
	for h := range sites {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	if err := f.SetSheetRow(sitesSheet, "A1", &[]interface{}{"Host", "WWW Directory", "Config Directory", "URLs Discovered"}); err != nil {
		return err
	}
	if err := f.SetSheetRow(urlsSheet, "A1", &[]interface{}{"Host", "URL"}); err != nil {
		return err
	}

	urlRow := 2
	for i, host := range hosts {
		s := sites[host]
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sitesSheet, cell, &[]interface{}{host, s.WWWDirectory, s.ConfigDirectory, s.URLsDiscovered}); err != nil {
			return err
		}
		for _, u := range s.URLs {
			cell, err := excelize.CoordinatesToCellName(1, urlRow)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(urlsSheet, cell, &[]interface{}{host, u}); err != nil {
				return err
			}
			urlRow++
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
