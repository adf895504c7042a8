// ditto-audit-verify recomputes the hash chain of an exported audit log and
// fails on the first record whose hash does not match.
//
// Usage:
//
//	ditto-audit-verify audit.ndjson
//	ditto audit export | ditto-audit-verify
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dittolabs/ditto/internal/audit"
)

func main() {
	flag.Parse()

	var in io.Reader = os.Stdin
	if name := flag.Arg(0); name != "" && name != "-" {
		f, err := os.Open(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	records, err := audit.ReadNDJSON(in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := audit.Verify(records); err != nil {
		fmt.Fprintf(os.Stderr, "chain verification failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ok: %d records verified\n", len(records))
}
