package cli

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/platinummonkey/opnet-plugins/pkg/container"
	"github.com/platinummonkey/opnet-plugins/pkg/keys"
	"github.com/platinummonkey/opnet-plugins/pkg/manifest"
	"github.com/platinummonkey/opnet-plugins/pkg/signing"
)

// keyringFlags registers the flags that locate the keyring
type keyringFlags struct {
	service *string
	backend *string
	dir     *string
}

func addKeyringFlags(fs *flag.FlagSet) keyringFlags {
	return keyringFlags{
		service: fs.String("keyring-service", keys.DefaultServiceName, "Keyring service name"),
		backend: fs.String("keyring-backend", "", "Keyring backend, e.g. file or secret-service"),
		dir:     fs.String("keyring-dir", "", "Directory for the file keyring backend"),
	}
}

// open opens the keyring. The file backend password comes from
// OPNETPLG_KEYRING_PASSWORD.
func (k keyringFlags) open() (*keys.Store, error) {
	return keys.Open(keys.Config{
		ServiceName: *k.service,
		Backend:     *k.backend,
		FileDir:     *k.dir,
		Password:    os.Getenv("OPNETPLG_KEYRING_PASSWORD"),
	})
}

func newPackCommand() *Command {
	cmd := newCommand("pack", "Build and sign an .opnet artifact")
	manifestPath := cmd.Flags.String("manifest", "plugin.json", "Manifest file (JSON or YAML)")
	bytecodePath := cmd.Flags.String("bytecode", "", "Compiled plugin bytecode")
	schemaPath := cmd.Flags.String("schema", "", "Optional schema file")
	keyName := cmd.Flags.String("key", "", "Signing key name in the keyring")
	keyFile := cmd.Flags.String("key-file", "", "Signing key PEM file")
	out := cmd.Flags.String("out", "", "Output path (default <name>.opnet)")
	ring := addKeyringFlags(cmd.Flags)

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *bytecodePath == "" {
			return errors.New("-bytecode is required")
		}
		if (*keyName == "") == (*keyFile == "") {
			return errors.New("exactly one of -key and -key-file is required")
		}

		doc, err := manifest.LoadDocument(*manifestPath)
		if err != nil {
			return err
		}
		res := manifest.Validate(doc)
		if err := res.Err(); err != nil {
			return err
		}
		metadata, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode manifest: %w", err)
		}

		bytecode, err := os.ReadFile(*bytecodePath)
		if err != nil {
			return fmt.Errorf("failed to read bytecode: %w", err)
		}
		var schema []byte
		if *schemaPath != "" {
			if schema, err = os.ReadFile(*schemaPath); err != nil {
				return fmt.Errorf("failed to read schema: %w", err)
			}
		}

		var kp *signing.KeyPair
		if *keyFile != "" {
			data, err := os.ReadFile(*keyFile)
			if err != nil {
				return fmt.Errorf("failed to read key: %w", err)
			}
			if kp, err = keys.DecodePEM(data); err != nil {
				return err
			}
		} else {
			store, err := ring.open()
			if err != nil {
				return err
			}
			if kp, err = store.Load(*keyName); err != nil {
				return err
			}
		}
		if len(kp.PrivateKey) == 0 {
			return errors.New("signing key has no private part")
		}

		artifact, err := signing.Seal(&signing.SealRequest{
			Key:      kp,
			Metadata: metadata,
			Bytecode: bytecode,
			Schema:   schema,
		})
		if err != nil {
			return err
		}

		path := *out
		if path == "" {
			path = filepath.Join(filepath.Dir(*manifestPath), res.Manifest.Name+container.FileExtension)
		}
		if err := os.WriteFile(path, artifact, 0644); err != nil {
			return fmt.Errorf("failed to write artifact: %w", err)
		}
		fmt.Fprintf(stdout, "Packed %s@%s into %s (%d bytes, %s, key %s)\n",
			res.Manifest.Name, res.Manifest.Version, path, len(artifact), kp.Level, signing.PublicKeyHash(kp.PublicKey))
		return nil
	}
	return cmd
}

func newKeygenCommand() *Command {
	cmd := newCommand("keygen", "Generate an ML-DSA signing key")
	level := cmd.Flags.String("level", container.Level44.String(), "Security level: "+strings.Join(container.LevelNames(), ", "))
	name := cmd.Flags.String("name", "", "Store the key in the keyring under this name")
	out := cmd.Flags.String("out", "", "Write the key pair as PEM to this file")
	ring := addKeyringFlags(cmd.Flags)

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *name == "" && *out == "" {
			return errors.New("one of -name and -out is required")
		}
		lvl, err := container.ParseSecurityLevel(*level)
		if err != nil {
			return err
		}
		kp, err := signing.GenerateKey(lvl)
		if err != nil {
			return err
		}

		if *out != "" {
			data, err := keys.EncodePEM(kp)
			if err != nil {
				return err
			}
			if err := os.WriteFile(*out, data, 0600); err != nil {
				return fmt.Errorf("failed to write key: %w", err)
			}
		}
		if *name != "" {
			store, err := ring.open()
			if err != nil {
				return err
			}
			if err := store.Save(*name, kp); err != nil {
				return err
			}
		}
		fmt.Fprintf(stdout, "Generated %s key %s\n", kp.Level, signing.PublicKeyHash(kp.PublicKey))
		return nil
	}
	return cmd
}

func newKeysCommand() *Command {
	keysCmd := &Command{
		Name:        "keys",
		Description: "Manage signing keys in the keyring",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("keys", flag.ContinueOnError),
	}

	list := newCommand("list", "List stored keys")
	listRing := addKeyringFlags(list.Flags)
	list.Run = func(args []string) error {
		if err := list.Flags.Parse(args); err != nil {
			return err
		}
		store, err := listRing.open()
		if err != nil {
			return err
		}
		names, err := store.List()
		if err != nil {
			return err
		}
		for _, n := range names {
			kp, err := store.Load(n)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%-20s %s %s\n", n, kp.Level, signing.PublicKeyHash(kp.PublicKey))
		}
		return nil
	}

	export := newCommand("export", "Print a stored key as PEM")
	exportRing := addKeyringFlags(export.Flags)
	public := export.Flags.Bool("public", false, "Export only the public key")
	export.Run = func(args []string) error {
		if err := export.Flags.Parse(args); err != nil {
			return err
		}
		if export.Flags.NArg() != 1 {
			return errors.New("usage: opnetplg keys export [-public] <name>")
		}
		store, err := exportRing.open()
		if err != nil {
			return err
		}
		kp, err := store.Load(export.Flags.Arg(0))
		if err != nil {
			return err
		}
		encode := keys.EncodePEM
		if *public {
			encode = keys.EncodePublicPEM
		}
		data, err := encode(kp)
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	}

	del := newCommand("delete", "Remove a stored key")
	delRing := addKeyringFlags(del.Flags)
	del.Run = func(args []string) error {
		if err := del.Flags.Parse(args); err != nil {
			return err
		}
		if del.Flags.NArg() != 1 {
			return errors.New("usage: opnetplg keys delete <name>")
		}
		store, err := delRing.open()
		if err != nil {
			return err
		}
		return store.Delete(del.Flags.Arg(0))
	}

	for _, c := range []*Command{list, export, del} {
		keysCmd.Subcommands[c.Name] = c
	}
	return keysCmd
}
