package webrtsp

import "strings"

// Wildcard addresses the whole server.
const Wildcard = "*"

// URISeparator splits a mountpoint name from its substream.
const URISeparator = "/"

// SplitURI splits uri on the first separator into mountpoint name and substream.
func SplitURI(uri string) (name, substream string) {
	name, substream, _ = strings.Cut(uri, URISeparator)
	return name, substream
}

// JoinURI is the inverse of SplitURI.
func JoinURI(name, substream string) string {
	if substream == "" {
		return name
	}
	return name + URISeparator + substream
}
