// Command hash-agent-token encodes an agent token for the agentToken field
// of a proxy streamer, so the plain value never sits in the gateway config.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"webrtsp-restreamer/internal/auth"
)

func main() {
	var (
		token  string
		verify string
	)
	flag.StringVar(&token, "token", "", "Agent token to hash (read from stdin when omitted)")
	flag.StringVar(&verify, "verify", "", "Check --token against this encoded value instead of hashing")
	flag.Parse()

	if token == "" {
		var err error
		token, err = readToken(os.Stdin)
		if err != nil {
			fatalf("read token: %v", err)
		}
	}

	out, err := execute(token, verify)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println(out)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// readToken returns the first line of r without surrounding whitespace.
func readToken(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("--token is required")
	}
	return line, nil
}

func execute(token, verify string) (string, error) {
	if verify != "" {
		if err := auth.VerifyAgentToken(verify, token); err != nil {
			return "", err
		}
		return "token matches", nil
	}
	return auth.HashAgentToken(token)
}
