// Package listing builds the text/parameters bodies answered to LIST requests.
package listing

import (
	"fmt"
	"os"
	"sort"

	"golang.org/x/text/unicode/norm"

	"webrtsp-restreamer/internal/config"
	"webrtsp-restreamer/internal/registry"
	"webrtsp-restreamer/internal/webrtsp"
)

// Empty is the body of a list with no entries.
const Empty = "\r\n"

// Format renders entries, using Empty when there are none.
func Format(entries []webrtsp.Parameter) string {
	if len(entries) == 0 {
		return Empty
	}
	return webrtsp.FormatParameters(entries)
}

// Build derives the public, protected and agent lists from cfg. Only
// restreamable mountpoints are listed; the public list further requires an
// effective visibility of Public.
func Build(cfg *config.Config) registry.Lists {
	var public, protected []webrtsp.Parameter
	for _, name := range cfg.Names() {
		streamer := cfg.Streamers[name]
		if !streamer.CanRestream() {
			continue
		}
		entry := webrtsp.Parameter{Name: name, Value: streamer.Description}
		protected = append(protected, entry)
		if streamer.Visibility.Effective(cfg.RequiresAuth()) == config.VisibilityPublic {
			public = append(public, entry)
		}
	}
	return registry.Lists{
		Public:    Format(public),
		Protected: Format(protected),
		Agent:     Format(protected),
	}
}

// DirectoryListing lists the regular files of dir as substreams of uri.
// File names are NFC-normalised so the same name typed on any platform
// addresses the same substream.
func DirectoryListing(uri, dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read directory %q: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		names = append(names, norm.NFC.String(entry.Name()))
	}
	sort.Strings(names)

	params := make([]webrtsp.Parameter, 0, len(names))
	for _, name := range names {
		params = append(params, webrtsp.Parameter{Name: webrtsp.JoinURI(uri, name), Value: name})
	}
	return Format(params), nil
}

// ProxyListing prefixes every entry registered by an agent with uri.
func ProxyListing(uri string, registered []webrtsp.Parameter) string {
	params := make([]webrtsp.Parameter, 0, len(registered))
	for _, p := range registered {
		params = append(params, webrtsp.Parameter{Name: webrtsp.JoinURI(uri, p.Name), Value: p.Value})
	}
	return Format(params)
}
