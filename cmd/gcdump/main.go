// Package main provides the gcdump CLI tool for inspecting a groupstore
// directory.
//
// The store is constructed with groupstore.New, which starts empty and does
// not read containers already present in --dir, so every command reports on
// an empty store.
//
// Usage:
//
//	gcdump --dir=<path> [options]
//
// Commands (--command):
//
//	keys        List every stored key (default)
//	record      Show one key's parents, SHA1, storage kind and size
//	properties  Show summary statistics across every stored key
//	check       Materialize every key's fulltext, reporting failures
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/breezy-team/groupstore"
	"github.com/breezy-team/groupstore/internal/vfs"
)

var (
	dir        = flag.String("dir", "", "Path to the groupstore directory (required)")
	command    = flag.String("command", "keys", "Command: keys, record, properties, check")
	keyFlag    = flag.String("key", "", "Key for --command=record, as colon-separated name parts (e.g. file-id:revision-id)")
	showValues = flag.Bool("values", false, "Print the fulltext for --command=record")
	limit      = flag.Int("limit", 0, "Limit number of keys listed (0 = unlimited)")
	help       = flag.Bool("help", false, "Print help")
)

func main() {
	flag.Parse()

	if *help {
		printUsage()
		return
	}
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "Error: --dir flag is required")
		printUsage()
		os.Exit(1)
	}

	vf := groupstore.New(vfs.Default(), *dir, groupstore.DefaultOptions())

	var err error
	switch *command {
	case "keys":
		err = cmdKeys(vf)
	case "record":
		err = cmdRecord(vf)
	case "properties":
		err = cmdProperties(vf)
	case "check":
		err = cmdCheck(vf)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", *command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("gcdump - groupstore directory inspection tool")
	fmt.Println()
	fmt.Println("Usage: gcdump --dir=<path> [--command=<cmd>] [options]")
	fmt.Println()
	fmt.Println("Commands (--command):")
	fmt.Println("  keys        List every stored key (default)")
	fmt.Println("  record      Show one key's parents, SHA1, storage kind and size")
	fmt.Println("  properties  Show summary statistics across every stored key")
	fmt.Println("  check       Materialize every key's fulltext, reporting failures")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

func parseKey(s string) groupstore.Key {
	return groupstore.Key(strings.Split(s, ":"))
}

func cmdKeys(vf *groupstore.VersionedFiles) error {
	keys := vf.Keys()
	fmt.Printf("groupstore directory: %s\n", *dir)
	fmt.Println("---")
	count := 0
	for _, k := range keys {
		fmt.Println(k.String())
		count++
		if *limit > 0 && count >= *limit {
			break
		}
	}
	fmt.Println("---")
	fmt.Printf("Total keys: %d\n", len(keys))
	return nil
}

func cmdRecord(vf *groupstore.VersionedFiles) error {
	if *keyFlag == "" {
		return fmt.Errorf("--key is required for --command=record")
	}
	key := parseKey(*keyFlag)

	factories := vf.GetRecordStream([]groupstore.Key{key}, groupstore.Unordered, false)
	if len(factories) != 1 {
		return fmt.Errorf("unexpected factory count %d for key %s", len(factories), key)
	}
	f := factories[0]

	fmt.Printf("key:     %s\n", f.Key().String())
	fmt.Printf("kind:    %v\n", f.StorageKind())
	if f.StorageKind() == groupstore.StorageAbsent {
		fmt.Println("record is absent from this store and its fallbacks")
		return nil
	}
	fmt.Printf("parents: %s\n", formatParents(f.Parents()))
	fmt.Printf("sha1:    %s\n", f.SHA1())
	fmt.Printf("size:    %d bytes\n", f.Size())

	if *showValues {
		text, err := f.GetBytesAs(groupstore.AsFulltext)
		if err != nil {
			return fmt.Errorf("materialize fulltext: %w", err)
		}
		fmt.Println("---")
		os.Stdout.Write(text)
	}
	return nil
}

func formatParents(parents []groupstore.Key) string {
	if len(parents) == 0 {
		return "(none)"
	}
	parts := make([]string, len(parents))
	for i, p := range parents {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}

func cmdProperties(vf *groupstore.VersionedFiles) error {
	keys := vf.Keys()
	prefixes := make(map[string]int)
	for _, k := range keys {
		prefixes[k.Prefix()]++
	}

	fmt.Printf("groupstore directory: %s\n", *dir)
	fmt.Println("---")
	fmt.Printf("Total keys:    %d\n", len(keys))
	fmt.Printf("Distinct prefixes: %d\n", len(prefixes))
	if len(prefixes) > 0 {
		biggest, count := "", 0
		for prefix, n := range prefixes {
			if n > count {
				biggest, count = prefix, n
			}
		}
		fmt.Printf("Largest prefix: %q with %d keys\n", biggest, count)
	}
	return nil
}

func cmdCheck(vf *groupstore.VersionedFiles) error {
	keys := vf.Keys()
	fmt.Printf("Checking %d keys in %s\n", len(keys), *dir)
	fmt.Println("---")

	factories := vf.GetRecordStream(keys, groupstore.Unordered, false)
	failures := 0
	for _, f := range factories {
		if f.StorageKind() == groupstore.StorageAbsent {
			fmt.Printf("MISSING %s\n", f.Key().String())
			failures++
			continue
		}
		if _, err := f.GetBytesAs(groupstore.AsFulltext); err != nil {
			fmt.Printf("CORRUPT %s: %v\n", f.Key().String(), err)
			failures++
		}
		f.Release()
	}

	fmt.Println("---")
	if failures == 0 {
		fmt.Println("all keys verified OK")
		return nil
	}
	return fmt.Errorf("%d keys failed verification", failures)
}
