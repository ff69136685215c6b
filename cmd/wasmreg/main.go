// wasmreg is the publisher CLI: local key management, document signing
// and validation, plus thin HTTP clients for the registry daemon.
package main

import (
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"

	"xdao.co/wasmreg/cidutil"
	"xdao.co/wasmreg/jcs"
	"xdao.co/wasmreg/keys"
	"xdao.co/wasmreg/manifest"
	"xdao.co/wasmreg/resolver"
	"xdao.co/wasmreg/signature"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "key":
		return cmdKey(args[1:], out, errOut)
	case "sign":
		return cmdSign(args[1:], out, errOut)
	case "validate":
		return cmdValidate(args[1:], out, errOut)
	case "canonical":
		return cmdCanonical(args[1:], out, errOut)
	case "submit":
		return cmdSubmit(args[1:], out, errOut)
	case "versions":
		return cmdVersions(args[1:], out, errOut)
	case "get":
		return cmdGet(args[1:], out, errOut)
	case "search":
		return cmdSearch(args[1:], out, errOut)
	case "resolve":
		return cmdResolve(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "wasmreg: registry publisher CLI")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  wasmreg key init --name <name> [--seed-hex <64hex>] [--force]")
	fmt.Fprintln(w, "  wasmreg key derive --name <name> --project <project> [--force]")
	fmt.Fprintln(w, "  wasmreg key list")
	fmt.Fprintln(w, "  wasmreg sign (--seed-hex <64hex> | --signer <name> [--project <p>] | --key-file <path>) [--overwrite] <file>")
	fmt.Fprintln(w, "  wasmreg validate <file>")
	fmt.Fprintln(w, "  wasmreg canonical [--uri] <file>")
	fmt.Fprintln(w, "  wasmreg submit --registry <url> <file>")
	fmt.Fprintln(w, "  wasmreg versions --registry <url> <id>")
	fmt.Fprintln(w, "  wasmreg get --registry <url> [--canonical] <id> <version>")
	fmt.Fprintln(w, "  wasmreg search --registry <url> <query>")
	fmt.Fprintln(w, "  wasmreg resolve --registry <url> [--installed id@version ...] <id> <version>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - keys live under ~/.wasmreg/keys (0600 seed files)")
	fmt.Fprintln(w, "  - sign writes the signed document to stdout; the signature covers the canonical bytes")
	fmt.Fprintln(w, "  - canonical prints the exact signed byte sequence (no trailing newline)")
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func cmdKey(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: wasmreg key <init|derive|list> ...")
		return 2
	}
	switch args[0] {
	case "init":
		return cmdKeyInit(args[1:], out, errOut)
	case "derive":
		return cmdKeyDerive(args[1:], out, errOut)
	case "list":
		return cmdKeyList(args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown key subcommand: %s\n", args[0])
		return 2
	}
}

func cmdKeyInit(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key init", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var name string
	var seedHex string
	var force bool
	fs.StringVar(&name, "name", "", "Key name (directory under ~/.wasmreg/keys)")
	fs.StringVar(&seedHex, "seed-hex", "", "Optional ed25519 seed as 64 hex chars (for reproducible setups)")
	fs.BoolVar(&force, "force", false, "Overwrite existing key files")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(errOut, "missing --name")
		return 2
	}

	var seed []byte
	if seedHex != "" {
		var err error
		seed, err = keys.ParseSeedHex(seedHex)
		if err != nil {
			fmt.Fprintf(errOut, "invalid --seed-hex: %v\n", err)
			return 2
		}
	} else {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			fmt.Fprintf(errOut, "rand: %v\n", err)
			return 1
		}
	}

	ks, err := keys.Open("")
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}
	pubKey, path, err := ks.InitRootKey(name, seed, force)
	if err != nil {
		fmt.Fprintf(errOut, "write key: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Created root key: %s\n", pubKey)
	fmt.Fprintf(out, "Stored at: %s\n", path)
	return 0
}

func cmdKeyDerive(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key derive", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var name string
	var project string
	var force bool
	fs.StringVar(&name, "name", "", "Root key name")
	fs.StringVar(&project, "project", "", "Project label (e.g. com.example.app)")
	fs.BoolVar(&force, "force", false, "Overwrite existing key files")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" || project == "" {
		fmt.Fprintln(errOut, "missing --name or --project")
		return 2
	}

	ks, err := keys.Open("")
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}
	pubKey, path, err := ks.DeriveProjectKey(name, project, force)
	if err != nil {
		fmt.Fprintf(errOut, "derive project key: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Created project key: %s\n", pubKey)
	fmt.Fprintf(out, "Stored at: %s\n", path)
	return 0
}

func cmdKeyList(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key list", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ks, err := keys.Open("")
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}
	entries, err := ks.List()
	if err != nil {
		fmt.Fprintf(errOut, "list keys: %v\n", err)
		return 1
	}
	for name, projects := range entries {
		fmt.Fprintln(out, name)
		for _, p := range projects {
			fmt.Fprintf(out, "  - %s\n", p)
		}
	}
	return 0
}

func cmdSign(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var seedHex string
	var signer string
	var project string
	var keyFile string
	var overwrite bool
	fs.StringVar(&seedHex, "seed-hex", "", "ed25519 seed as 64 hex chars")
	fs.StringVar(&signer, "signer", "", "Use a stored key by name (from 'wasmreg key init')")
	fs.StringVar(&project, "project", "", "With --signer, use the derived project key")
	fs.StringVar(&keyFile, "key-file", "", "Path to a seed file created by 'wasmreg key init/derive'")
	fs.BoolVar(&overwrite, "overwrite", false, "Mark the submission as an owner overwrite (_overwrite)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: wasmreg sign [flags] <file>")
		return 2
	}
	if seedHex == "" && signer == "" && keyFile == "" {
		fmt.Fprintln(errOut, "missing signer: use --seed-hex, --signer, or --key-file")
		return 2
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "read: %v\n", err)
		return 1
	}

	ks, err := keys.Open("")
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}
	priv, err := ks.LoadSigningKey(seedHex, signer, project, keyFile)
	if err != nil {
		fmt.Fprintf(errOut, "invalid signer: %v\n", err)
		return 2
	}

	ent, err := manifest.Parse(raw)
	if err != nil {
		fmt.Fprintf(errOut, "parse: %v\n", err)
		return 1
	}
	if err := manifest.Validate(ent, manifest.DefaultLimits()); err != nil {
		fmt.Fprintf(errOut, "validate: %v\n", err)
		return 1
	}

	block := keys.SignatureBlock(ent.Canonical(), priv, time.Now())

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		fmt.Fprintf(errOut, "decode: %v\n", err)
		return 1
	}
	doc["signature"] = block
	if overwrite {
		doc[manifest.OverwriteField] = true
	}
	signed, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fmt.Fprintf(errOut, "encode: %v\n", err)
		return 1
	}

	// Round-trip through the verifier before emitting anything.
	check, err := manifest.Parse(signed)
	if err != nil {
		fmt.Fprintf(errOut, "parse signed: %v\n", err)
		return 1
	}
	if err := signature.Verify(check, signature.Policy{AllowUnsigned: false}); err != nil {
		fmt.Fprintf(errOut, "verify signed: %v\n", err)
		return 1
	}

	fmt.Fprintf(errOut, "Signed %s with key %s\n", ent.Key(), block.PubKey)
	_, _ = out.Write(signed)
	_, _ = fmt.Fprintln(out)
	return 0
}

func cmdValidate(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: wasmreg validate <file>")
		return 2
	}
	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "read: %v\n", err)
		return 1
	}
	ent, err := manifest.Parse(raw)
	if err != nil {
		fmt.Fprintf(errOut, "parse: %v\n", err)
		return 1
	}
	if err := manifest.Validate(ent, manifest.DefaultLimits()); err != nil {
		fmt.Fprintf(errOut, "invalid: %v\n", err)
		return 1
	}
	if ent.Signature() != nil {
		if err := signature.Verify(ent, signature.Policy{AllowUnsigned: false}); err != nil {
			fmt.Fprintf(errOut, "signature: %v\n", err)
			return 1
		}
	}
	fmt.Fprintf(out, "OK %s (%s)\n", ent.Key(), ent.Schema())
	return 0
}

func cmdCanonical(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("canonical", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var asURI bool
	fs.BoolVar(&asURI, "uri", false, "Print the canonical ipfs:// URI instead of the bytes")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: wasmreg canonical [--uri] <file>")
		return 2
	}
	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "read: %v\n", err)
		return 1
	}
	canonical, err := jcs.Canonicalize(raw)
	if err != nil {
		fmt.Fprintf(errOut, "canonicalize: %v\n", err)
		return 1
	}
	if asURI {
		_, _ = fmt.Fprintln(out, cidutil.CanonicalURI(canonical))
		return 0
	}
	_, _ = out.Write(canonical)
	return 0
}

func cmdSubmit(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var registryURL string
	fs.StringVar(&registryURL, "registry", "http://127.0.0.1:8420", "Registry base URL")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: wasmreg submit --registry <url> <file>")
		return 2
	}
	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "read: %v\n", err)
		return 1
	}

	resp, err := http.Post(registryURL+"/", "application/json", strings.NewReader(string(raw)))
	if err != nil {
		fmt.Fprintf(errOut, "submit: %v\n", err)
		return 1
	}
	return printResponse(resp, out, errOut)
}

func cmdVersions(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("versions", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var registryURL string
	fs.StringVar(&registryURL, "registry", "http://127.0.0.1:8420", "Registry base URL")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: wasmreg versions --registry <url> <id>")
		return 2
	}
	resp, err := http.Get(registryURL + "/" + url.PathEscape(fs.Arg(0)))
	if err != nil {
		fmt.Fprintf(errOut, "versions: %v\n", err)
		return 1
	}
	return printResponse(resp, out, errOut)
}

func cmdGet(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var registryURL string
	var canonical bool
	fs.StringVar(&registryURL, "registry", "http://127.0.0.1:8420", "Registry base URL")
	fs.BoolVar(&canonical, "canonical", false, "Include the exact signed byte sequence (canonical_jcs)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(errOut, "usage: wasmreg get --registry <url> [--canonical] <id> <version>")
		return 2
	}
	target := registryURL + "/" + url.PathEscape(fs.Arg(0)) + "/" + url.PathEscape(fs.Arg(1))
	if canonical {
		target += "?canonical=true"
	}
	resp, err := http.Get(target)
	if err != nil {
		fmt.Fprintf(errOut, "get: %v\n", err)
		return 1
	}
	return printResponse(resp, out, errOut)
}

func cmdSearch(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var registryURL string
	fs.StringVar(&registryURL, "registry", "http://127.0.0.1:8420", "Registry base URL")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(errOut, "usage: wasmreg search --registry <url> [query]")
		return 2
	}
	q := ""
	if fs.NArg() == 1 {
		q = fs.Arg(0)
	}
	resp, err := http.Get(registryURL + "/search?q=" + url.QueryEscape(q))
	if err != nil {
		fmt.Fprintf(errOut, "search: %v\n", err)
		return 1
	}
	return printResponse(resp, out, errOut)
}

func cmdResolve(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var registryURL string
	var installed stringList
	fs.StringVar(&registryURL, "registry", "http://127.0.0.1:8420", "Registry base URL")
	fs.Var(&installed, "installed", "Installed ref as id@version (repeatable)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(errOut, "usage: wasmreg resolve --registry <url> [--installed id@version ...] <id> <version>")
		return 2
	}

	refs := make([]resolver.Ref, 0, len(installed))
	for _, item := range installed {
		id, version, ok := strings.Cut(item, "@")
		if !ok || id == "" || version == "" {
			fmt.Fprintf(errOut, "invalid --installed %q (expected id@version)\n", item)
			return 2
		}
		refs = append(refs, resolver.Ref{ID: id, Version: version})
	}

	body, err := json.Marshal(map[string]any{
		"root":      resolver.Ref{ID: fs.Arg(0), Version: fs.Arg(1)},
		"installed": refs,
	})
	if err != nil {
		fmt.Fprintf(errOut, "encode: %v\n", err)
		return 1
	}
	resp, err := http.Post(registryURL+"/resolve", "application/json", strings.NewReader(string(body)))
	if err != nil {
		fmt.Fprintf(errOut, "resolve: %v\n", err)
		return 1
	}
	return printResponse(resp, out, errOut)
}

// printResponse streams the body to out on success, errOut on failure.
func printResponse(resp *http.Response, out io.Writer, errOut io.Writer) int {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(errOut, "read response: %v\n", err)
		return 1
	}
	if resp.StatusCode >= 400 {
		fmt.Fprintf(errOut, "%s\n%s\n", resp.Status, strings.TrimSpace(string(body)))
		return 1
	}
	_, _ = out.Write(body)
	return 0
}
