// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/bureau-foundation/ota/cmd/bureau-ota/cli"
	"github.com/bureau-foundation/ota/lib/testutil"
)

// execute runs the command tree with args and returns its output.
// Tests using it must not run in parallel: output goes through
// cli.Stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var output bytes.Buffer
	previous := cli.Stdout
	cli.Stdout = &output
	t.Cleanup(func() { cli.Stdout = previous })

	root := Root()
	root.Logger = testutil.DiscardLogger()
	err := root.Execute(t.Context(), args)
	return output.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	output, err := execute(t, args...)
	if err != nil {
		t.Fatalf("bureau-ota %s: %v", strings.Join(args, " "), err)
	}
	return output
}

// writeKey writes a new ed25519 key in OpenSSH format and returns its
// path with the public key in authorized_keys format.
func writeKey(t *testing.T, dir, name string) (string, []byte) {
	t.Helper()
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(private, name)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	sshPublic, err := ssh.NewPublicKey(public)
	if err != nil {
		t.Fatal(err)
	}
	return path, ssh.MarshalAuthorizedKey(sshPublic)
}

// fixture is a workspace with a manifest, a signing key and a system
// config of two file slots forming the A/B group "app".
type fixture struct {
	dir            string
	content        []byte
	manifest       string
	key            string
	authorizedKeys string
	config         string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:      dir,
		content:  testutil.RandomBytes(1, 200000),
		manifest: filepath.Join(dir, "manifest.jsonc"),
		config:   filepath.Join(dir, "system.yaml"),
	}
	testutil.WriteFile(t, filepath.Join(dir, "app.img"), f.content)
	testutil.WriteFile(t, f.manifest, []byte(`{
  // The application image, split into blocks.
  "payloads": [
    {
      "filename": "app.img",
      "slot": "app",
      "block_encoding": {"chunker": "fixed-16", "compression": "zstd"},
    },
  ],
}
`))

	var public []byte
	f.key, public = writeKey(t, dir, "release")
	f.authorizedKeys = filepath.Join(dir, "trusted_keys")
	testutil.WriteFile(t, f.authorizedKeys, public)

	testutil.WriteFile(t, f.config, []byte(`slots:
  app-a:
    type: file
    path: `+filepath.Join(dir, "app-a.img")+`
  app-b:
    type: file
    path: `+filepath.Join(dir, "app-b.img")+`
trust:
  authorized_keys: `+f.authorizedKeys+`
  require_signature: true
paths:
  state: `+filepath.Join(dir, "state")+`
`))
	return f
}

func (f *fixture) createBundle(t *testing.T) string {
	t.Helper()
	path := filepath.Join(f.dir, "update.bundle")
	output := mustExecute(t, "bundle", "create", "-o", path, "--key", f.key, f.manifest)
	if !strings.Contains(output, "signatures: 1") {
		t.Errorf("create output does not report the signature:\n%s", output)
	}
	return path
}

func TestTagsList(t *testing.T) {
	output := mustExecute(t, "tags", "list")
	for _, want := range []string{"BUNDLE_HEADER", "PAYLOAD_DATA", "segment"} {
		if !strings.Contains(output, want) {
			t.Errorf("tags list output missing %q", want)
		}
	}

	output = mustExecute(t, "tags", "list", "--json")
	var entries []tagEntry
	if err := json.Unmarshal([]byte(output), &entries); err != nil {
		t.Fatalf("parsing tags list --json: %v", err)
	}
	found := false
	for _, entry := range entries {
		if entry.Name == "BUNDLE" {
			found = true
			if entry.Kind != "segment" || entry.Optional {
				t.Errorf("BUNDLE entry = %+v, want a required segment", entry)
			}
		}
	}
	if !found {
		t.Error("tags list --json has no BUNDLE entry")
	}
}

func TestBundleInspect(t *testing.T) {
	f := newFixture(t)
	path := f.createBundle(t)

	output := mustExecute(t, "bundle", "inspect", "--json", path)
	var summary bundleSummary
	if err := json.Unmarshal([]byte(output), &summary); err != nil {
		t.Fatalf("parsing inspect --json: %v", err)
	}
	if len(summary.Payloads) != 1 || summary.Payloads[0].Target != "slot app" {
		t.Fatalf("payloads = %+v, want one payload for slot app", summary.Payloads)
	}
	if summary.Signatures.SSH != 1 {
		t.Errorf("ssh signatures = %d, want 1", summary.Signatures.SSH)
	}
	if !strings.HasPrefix(summary.BundleHash, "sha512-256:") {
		t.Errorf("bundle hash %q lacks the algorithm prefix", summary.BundleHash)
	}

	output = mustExecute(t, "bundle", "inspect", path)
	if !strings.Contains(output, summary.BundleHash) {
		t.Errorf("text output does not show the bundle hash:\n%s", output)
	}
}

func TestBundleVerify(t *testing.T) {
	f := newFixture(t)
	path := f.createBundle(t)

	t.Run("trusted", func(t *testing.T) {
		output := mustExecute(t, "bundle", "verify", "--authorized-keys", f.authorizedKeys, "--require-signature", path)
		if !strings.Contains(output, "signed by trusted key SHA256:") {
			t.Errorf("verify output:\n%s", output)
		}
	})

	t.Run("config policy", func(t *testing.T) {
		mustExecute(t, "bundle", "verify", "--config", f.config, path)
	})

	t.Run("untrusted", func(t *testing.T) {
		_, otherKey := writeKey(t, t.TempDir(), "other")
		other := filepath.Join(t.TempDir(), "other_keys")
		testutil.WriteFile(t, other, otherKey)
		output, err := execute(t, "bundle", "verify", "--authorized-keys", other, "--require-signature", path)
		var exit *cli.ExitError
		if !errors.As(err, &exit) || exit.Code != 1 {
			t.Fatalf("error = %v, want exit code 1", err)
		}
		if !strings.Contains(output, "not trusted") {
			t.Errorf("verify output:\n%s", output)
		}
	})

	t.Run("corrupt", func(t *testing.T) {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		// Flip a byte well inside the payload data.
		data[len(data)-len(data)/4] ^= 0xff
		corrupt := filepath.Join(t.TempDir(), "corrupt.bundle")
		testutil.WriteFile(t, corrupt, data)
		if _, err := execute(t, "bundle", "verify", corrupt); err == nil {
			t.Fatal("verify accepted a corrupted bundle")
		}
	})
}

func TestBundleDump(t *testing.T) {
	f := newFixture(t)
	path := f.createBundle(t)

	output := mustExecute(t, "bundle", "dump", path)
	for _, want := range []string{"BUNDLE {", "  BUNDLE_HEADER {", "PAYLOAD_DATA", "SIGNATURES"} {
		if !strings.Contains(output, want) {
			t.Errorf("dump output missing %q", want)
		}
	}
}

func TestInstall(t *testing.T) {
	f := newFixture(t)
	path := f.createBundle(t)
	system := []string{"--config", f.config, "--active", "app-a"}

	t.Run("dry run", func(t *testing.T) {
		mustExecute(t, append([]string{"install", "--dry-run", path}, system...)...)
		if _, err := os.Stat(filepath.Join(f.dir, "app-b.img")); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("dry run wrote the slot file: %v", err)
		}
		if _, err := os.Stat(filepath.Join(f.dir, "state")); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("dry run created the state directory: %v", err)
		}
	})

	t.Run("into the spare slot", func(t *testing.T) {
		output := mustExecute(t, append([]string{"install", "--json", path}, system...)...)
		var result struct {
			InstallID string `json:"install_id"`
			Trust     struct {
				Trusted bool `json:"trusted"`
			} `json:"trust"`
			Payloads []struct {
				Slot  string `json:"slot"`
				Bytes int64  `json:"bytes"`
			} `json:"payloads"`
		}
		if err := json.Unmarshal([]byte(output), &result); err != nil {
			t.Fatalf("parsing install --json: %v\n%s", err, output)
		}
		if !result.Trust.Trusted {
			t.Error("install did not report a trusted signature")
		}
		if len(result.Payloads) != 1 || result.Payloads[0].Slot != "app-b" {
			t.Fatalf("payloads = %+v, want one install into app-b", result.Payloads)
		}
		installed, err := os.ReadFile(filepath.Join(f.dir, "app-b.img"))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(installed, f.content) {
			t.Error("app-b does not hold the payload content")
		}

		listing := mustExecute(t, append([]string{"slots", "list", "--json"}, system...)...)
		var entries []slotEntry
		if err := json.Unmarshal([]byte(listing), &entries); err != nil {
			t.Fatalf("parsing slots list --json: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("slots list has %d entries, want 2", len(entries))
		}
		if !entries[0].Active || entries[0].Installed != nil {
			t.Errorf("app-a = %+v, want active without a record", entries[0])
		}
		if entries[1].Active || entries[1].Installed == nil || entries[1].Installed.InstallID != result.InstallID {
			t.Errorf("app-b = %+v, want the record of install %s", entries[1], result.InstallID)
		}

		state := mustExecute(t, "slots", "state", "--config", f.config, "app-b")
		if !strings.Contains(state, result.InstallID) {
			t.Errorf("slots state output does not show the install id:\n%s", state)
		}
	})

	t.Run("refuses the active slot", func(t *testing.T) {
		_, err := execute(t, append([]string{"install", "--target", "app=app-a", path}, system...)...)
		if err == nil || !strings.Contains(err.Error(), "refusing to overwrite app-a") {
			t.Fatalf("error = %v, want refusal to write the active slot", err)
		}
	})
}

func TestInstallRejectsUnsignedBundle(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "unsigned.bundle")
	mustExecute(t, "bundle", "create", "-o", path, f.manifest)

	_, err := execute(t, "install", "--config", f.config, "--active", "app-a", path)
	if err == nil {
		t.Fatal("installed an unsigned bundle although signatures are required")
	}
	if _, statErr := os.Stat(filepath.Join(f.dir, "app-b.img")); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("slot file written for a rejected bundle: %v", statErr)
	}
}

func TestSlotsStateWithoutRecord(t *testing.T) {
	f := newFixture(t)
	_, err := execute(t, "slots", "state", "--config", f.config, "app-a")
	if err == nil || !strings.Contains(err.Error(), "no install record") {
		t.Fatalf("error = %v, want a missing record error", err)
	}
}

func TestBundleCreateWithEncryptedKey(t *testing.T) {
	f := newFixture(t)
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKeyWithPassphrase(private, "encrypted", []byte("release passphrase"))
	if err != nil {
		t.Fatal(err)
	}
	key := filepath.Join(f.dir, "encrypted")
	testutil.WriteFile(t, key, pem.EncodeToMemory(block))
	passphraseFile := filepath.Join(f.dir, "passphrase")
	testutil.WriteFile(t, passphraseFile, []byte("release passphrase\n"))
	sshPublic, err := ssh.NewPublicKey(public)
	if err != nil {
		t.Fatal(err)
	}
	authorizedKeys := filepath.Join(f.dir, "encrypted_keys")
	testutil.WriteFile(t, authorizedKeys, ssh.MarshalAuthorizedKey(sshPublic))

	path := filepath.Join(f.dir, "update.bundle")
	mustExecute(t, "bundle", "create", "-o", path, "--key", key, "--key-passphrase-file", passphraseFile, f.manifest)
	mustExecute(t, "bundle", "verify", "--authorized-keys", authorizedKeys, "--require-signature", path)

	testutil.WriteFile(t, passphraseFile, []byte("wrong\n"))
	if _, err := execute(t, "bundle", "create", "-o", path, "--key", key, "--key-passphrase-file", passphraseFile, f.manifest); err == nil {
		t.Fatal("create accepted a wrong passphrase")
	}
}

func TestProjectSystems(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "project.yaml")
	testutil.WriteFile(t, project, []byte(`systems:
  rpi:
    architecture: arm64
    target: rpi-tryboot
  dev:
    architecture: amd64
    config:
      slots:
        root-a: {type: file, path: `+filepath.Join(dir, "root-a.img")+`}
        root-b: {type: file, path: `+filepath.Join(dir, "root-b.img")+`}
      paths:
        state: `+filepath.Join(dir, "state")+`
`))

	output := mustExecute(t, "project", "systems", "--json", project)
	var systems []projectSystem
	if err := json.Unmarshal([]byte(output), &systems); err != nil {
		t.Fatalf("parsing project systems --json: %v", err)
	}
	if len(systems) != 2 || systems[0].Name != "dev" || systems[1].Name != "rpi" {
		t.Fatalf("systems = %+v, want dev and rpi in order", systems)
	}
	if got := strings.Join(systems[0].Slots, ","); got != "root-a,root-b" {
		t.Errorf("dev slots = %q", got)
	}
	if systems[1].Architecture != "arm64" || len(systems[1].Slots) != 0 {
		t.Errorf("rpi = %+v", systems[1])
	}

	listing := mustExecute(t, "slots", "list", "--project", project, "--system", "dev", "--active", "root-b")
	if !strings.Contains(listing, "root-a") || !strings.Contains(listing, "active") {
		t.Errorf("slots list output:\n%s", listing)
	}

	if _, err := execute(t, "slots", "list", "--system", "dev"); err == nil || !strings.Contains(err.Error(), "--project") {
		t.Errorf("error = %v, want --system to need --project", err)
	}
}
