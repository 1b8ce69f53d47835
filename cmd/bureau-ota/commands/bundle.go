// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"golang.org/x/crypto/ssh"

	"github.com/bureau-foundation/ota/cmd/bureau-ota/cli"
	"github.com/bureau-foundation/ota/lib/bundle"
	"github.com/bureau-foundation/ota/lib/bundle/tags"
	"github.com/bureau-foundation/ota/lib/config"
	"github.com/bureau-foundation/ota/lib/secret"
	"github.com/bureau-foundation/ota/lib/signature"
	"github.com/bureau-foundation/ota/lib/stlv"
)

func bundleCommand() *cli.Command {
	return &cli.Command{
		Name:    "bundle",
		Summary: "Build and examine update bundles",
		Subcommands: []*cli.Command{
			bundleCreateCommand(),
			bundleInspectCommand(),
			bundleVerifyCommand(),
			bundleDumpCommand(),
		},
	}
}

type createParams struct {
	Output         string   `flag:"output,o" desc:"path of the bundle to write (required)"`
	Keys           []string `flag:"key,k" desc:"SSH private key to sign with (repeatable)"`
	PassphraseFile string   `flag:"key-passphrase-file" desc:"file holding the passphrase of encrypted keys (default: ask on the terminal)"`
	TempDir        string   `flag:"temp-dir" desc:"directory for encoded payloads (default: system temp)"`
}

func bundleCreateCommand() *cli.Command {
	var params createParams
	return &cli.Command{
		Name:    "create",
		Summary: "Build a bundle from a manifest",
		Description: `Build a bundle from a JSON manifest (comments and trailing commas
allowed). Payload paths in the manifest are relative to the manifest's
directory. The bundle is written to a temporary file next to --output
and renamed into place once complete.`,
		Usage:  "bureau-ota bundle create --output <bundle> [flags] <manifest>",
		Params: func() any { return &params },
		Examples: []cli.Example{
			{
				Description: "Build and sign a bundle",
				Command:     "bureau-ota bundle create -o update.bundle -k ~/.ssh/release_ed25519 manifest.jsonc",
			},
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one manifest path")
			}
			if params.Output == "" {
				return fmt.Errorf("--output is required")
			}
			return createBundle(ctx, args[0], params, logger)
		},
	}
}

func createBundle(ctx context.Context, manifestPath string, params createParams, logger *slog.Logger) (err error) {
	manifest, err := bundle.LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	var signers []bundle.Signer
	for _, path := range params.Keys {
		signer, err := loadSigner(path, params.PassphraseFile)
		if err != nil {
			return err
		}
		signers = append(signers, signer)
	}

	output, err := os.CreateTemp(filepath.Dir(params.Output), "."+filepath.Base(params.Output)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			output.Close()
			os.Remove(output.Name())
		}
	}()

	result, err := bundle.Build(ctx, manifest, output, bundle.BuildOptions{
		Dir:     filepath.Dir(manifestPath),
		TempDir: params.TempDir,
		Signers: signers,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if err = output.Chmod(0o644); err != nil {
		return err
	}
	if err = output.Sync(); err != nil {
		return err
	}
	if err = output.Close(); err != nil {
		return err
	}
	if err = os.Rename(output.Name(), params.Output); err != nil {
		return err
	}

	fmt.Fprintf(cli.Stdout, "%s\n  bundle hash: %s\n  payloads: %d\n  size: %d bytes\n  signatures: %d\n",
		params.Output,
		result.Header.HashAlgorithm.Digest(result.BundleHash),
		len(result.Header.Payloads),
		result.Size,
		len(signers),
	)
	return nil
}

// loadSigner reads an SSH private key. The passphrase of an encrypted
// key comes from passphraseFile or, failing that, from the terminal.
func loadSigner(path, passphraseFile string) (*signature.SSHSigner, error) {
	signer, err := signature.LoadSSHSigner(path, nil)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return signer, err
	}
	var passphrase *secret.Passphrase
	if passphraseFile != "" {
		passphrase, err = secret.ReadFile(passphraseFile)
	} else {
		passphrase, err = secret.ReadTerminal(int(os.Stdin.Fd()), os.Stderr, "Passphrase for "+path+": ")
	}
	if err != nil {
		return nil, fmt.Errorf("signing key %s is encrypted: %w", path, err)
	}
	defer passphrase.Close()
	return signature.LoadSSHSigner(path, passphrase.Bytes())
}

type inspectParams struct {
	cli.JSONOutput
}

// bundleSummary is the inspect output.
type bundleSummary struct {
	BundleHash    string           `json:"bundle_hash"`
	HashAlgorithm string           `json:"hash_algorithm"`
	Incremental   bool             `json:"incremental"`
	Signatures    signatureSummary `json:"signatures"`
	Payloads      []payloadSummary `json:"payloads"`
	Manifest      json.RawMessage  `json:"manifest"`
}

type signatureSummary struct {
	SSH int `json:"ssh"`
	CMS int `json:"cms"`
}

type payloadSummary struct {
	Index      int           `json:"index"`
	Target     string        `json:"target"`
	HeaderHash string        `json:"header_hash"`
	FileHash   string        `json:"file_hash"`
	Delta      *deltaSummary `json:"delta,omitempty"`
	BaseBlocks int           `json:"base_blocks,omitempty"`
	BaseSize   uint64        `json:"base_size,omitempty"`
}

type deltaSummary struct {
	Format       string     `json:"format"`
	Inputs       [][]string `json:"inputs"`
	OriginalHash string     `json:"original_hash"`
}

func summarize(reader *bundle.Reader) *bundleSummary {
	header := reader.Header()
	algorithm := header.HashAlgorithm
	summary := &bundleSummary{
		BundleHash:    algorithm.Digest(reader.BundleHash()).String(),
		HashAlgorithm: string(algorithm),
		Incremental:   header.IsIncremental,
		Manifest:      header.Manifest,
	}
	if signatures := reader.Signatures(); signatures != nil {
		summary.Signatures = signatureSummary{SSH: len(signatures.SSH), CMS: len(signatures.CMS)}
	}
	for index, entry := range header.Payloads {
		payload := payloadSummary{
			Index:      index,
			Target:     entry.Target.String(),
			HeaderHash: algorithm.Digest(entry.HeaderHash).String(),
			FileHash:   algorithm.Digest(entry.FileHash).String(),
		}
		if delta := entry.Delta; delta != nil {
			payload.Delta = &deltaSummary{
				Format:       string(delta.Format),
				OriginalHash: algorithm.Digest(delta.OriginalHash).String(),
			}
			for _, input := range delta.Inputs {
				var hashes []string
				for _, hash := range input.Hashes {
					hashes = append(hashes, algorithm.Digest(hash).String())
				}
				payload.Delta.Inputs = append(payload.Delta.Inputs, hashes)
			}
		}
		if entry.BaseIndex != nil {
			payload.BaseBlocks = entry.BaseIndex.Len()
			payload.BaseSize = entry.BaseIndex.TotalSize()
		}
		summary.Payloads = append(summary.Payloads, payload)
	}
	return summary
}

func bundleInspectCommand() *cli.Command {
	var params inspectParams
	return &cli.Command{
		Name:    "inspect",
		Summary: "Show a bundle's header",
		Description: `Decode a bundle's header and print its payload index. Only the
header is read, so this is fast for any bundle size and does not
verify payload data (see "bundle verify").`,
		Usage:  "bureau-ota bundle inspect [--json] <bundle>",
		Params: func() any { return &params },
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one bundle path")
			}
			file, err := openInput(args[0])
			if err != nil {
				return err
			}
			defer file.Close()
			reader, err := bundle.NewReader(file)
			if err != nil {
				return err
			}
			summary := summarize(reader)
			if done, err := params.EmitJSON(summary); done {
				return err
			}
			printSummary(cli.Stdout, summary)
			return nil
		},
	}
}

func printSummary(w io.Writer, summary *bundleSummary) {
	fmt.Fprintf(w, "bundle hash:    %s\n", summary.BundleHash)
	fmt.Fprintf(w, "hash algorithm: %s\n", summary.HashAlgorithm)
	fmt.Fprintf(w, "incremental:    %t\n", summary.Incremental)
	fmt.Fprintf(w, "signatures:     %d ssh, %d cms\n", summary.Signatures.SSH, summary.Signatures.CMS)
	fmt.Fprintf(w, "payloads:\n")
	for _, payload := range summary.Payloads {
		fmt.Fprintf(w, "  [%d] %s\n", payload.Index, payload.Target)
		fmt.Fprintf(w, "      file hash:   %s\n", payload.FileHash)
		fmt.Fprintf(w, "      header hash: %s\n", payload.HeaderHash)
		if payload.Delta != nil {
			fmt.Fprintf(w, "      delta:       %s against %d input(s)\n", payload.Delta.Format, len(payload.Delta.Inputs))
			fmt.Fprintf(w, "      original:    %s\n", payload.Delta.OriginalHash)
		}
		if payload.BaseBlocks > 0 {
			fmt.Fprintf(w, "      base:        %d blocks, %d bytes\n", payload.BaseBlocks, payload.BaseSize)
		}
	}
}

type verifyParams struct {
	Config           string `flag:"config" desc:"take the trust policy from this system config file"`
	AuthorizedKeys   string `flag:"authorized-keys" desc:"trusted SSH public keys in authorized_keys format"`
	RequireSignature bool   `flag:"require-signature" desc:"fail unless a trusted key signed the bundle"`
}

func bundleVerifyCommand() *cli.Command {
	var params verifyParams
	return &cli.Command{
		Name:    "verify",
		Summary: "Check a bundle's hashes and signatures",
		Description: `Read a bundle completely, checking the hash of every payload header,
payload data and block, then apply a trust policy to its signatures.

The trust policy comes from --config, or from --authorized-keys and
--require-signature. Exits 1 if the bundle is intact but not trusted.`,
		Usage:  "bureau-ota bundle verify [flags] <bundle>",
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, _ *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one bundle path")
			}
			verifier, err := verifyPolicy(params)
			if err != nil {
				return err
			}
			return verifyBundle(ctx, args[0], verifier, cli.Stdout)
		},
	}
}

func verifyPolicy(params verifyParams) (*signature.Policy, error) {
	if params.Config != "" {
		if params.AuthorizedKeys != "" || params.RequireSignature {
			return nil, fmt.Errorf("--config cannot be combined with --authorized-keys or --require-signature")
		}
		systemConfig, err := config.LoadFile(params.Config)
		if err != nil {
			return nil, err
		}
		return signature.PolicyFromConfig(systemConfig.Trust)
	}
	if params.RequireSignature && params.AuthorizedKeys == "" {
		return nil, fmt.Errorf("--require-signature needs --authorized-keys")
	}
	policy := &signature.Policy{Require: params.RequireSignature}
	if params.AuthorizedKeys != "" {
		keys, err := signature.LoadAuthorizedKeys(params.AuthorizedKeys)
		if err != nil {
			return nil, err
		}
		policy.Keys = keys
	}
	return policy, nil
}

func verifyBundle(ctx context.Context, path string, verifier signature.Verifier, w io.Writer) error {
	file, err := openInput(path)
	if err != nil {
		return err
	}
	defer file.Close()
	reader, err := bundle.NewReader(file)
	if err != nil {
		return err
	}
	if err := reader.Verify(ctx); err != nil {
		return err
	}
	digest := reader.Header().HashAlgorithm.Digest(reader.BundleHash())
	fmt.Fprintf(w, "bundle %s: %d payload(s) intact\n", digest, len(reader.Header().Payloads))

	// Signatures may follow the payloads, so the policy is applied
	// once the whole bundle has been read.
	result, err := verifier.Check(reader.BundleHash(), reader.Signatures())
	if errors.Is(err, signature.ErrUntrusted) {
		fmt.Fprintf(w, "not trusted: %v\n", err)
		return &cli.ExitError{Code: 1}
	}
	if err != nil {
		return err
	}
	switch {
	case result.Trusted:
		fmt.Fprintf(w, "signed by trusted key %s\n", result.Fingerprint)
	default:
		fmt.Fprintf(w, "no signature by a trusted key (%d unverified)\n", result.Unverified)
	}
	return nil
}

func bundleDumpCommand() *cli.Command {
	return &cli.Command{
		Name:    "dump",
		Summary: "Print a bundle's raw record tree",
		Description: `Print every record of a bundle with its tag name and length. Values
are previewed as text or hex. Tags missing from the registry are shown
by number, marked optional or required, which makes dump useful on
bundles written by newer tools.`,
		Usage: "bureau-ota bundle dump <bundle>",
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one bundle path")
			}
			file, err := openInput(args[0])
			if err != nil {
				return err
			}
			defer file.Close()
			return dump(cli.Stdout, file)
		},
	}
}

func dump(w io.Writer, r io.Reader) error {
	var output strings.Builder
	err := stlv.Dump(&output, r, tags.Schema)
	// Print what was decoded even when the bundle turns out corrupt.
	io.WriteString(w, output.String())
	return err
}

// openInput opens a file argument, with "-" meaning stdin.
func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// newTable returns a tabwriter for column output.
func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}
