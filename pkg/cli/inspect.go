package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/container"
	"github.com/platinummonkey/opnet-plugins/pkg/manifest"
	"github.com/platinummonkey/opnet-plugins/pkg/storage"
)

func newInspectCommand() *Command {
	cmd := newCommand("inspect", "Show the sections of an .opnet artifact")
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if cmd.Flags.NArg() != 1 {
			return errors.New("usage: opnetplg inspect <file.opnet>")
		}
		data, err := os.ReadFile(cmd.Flags.Arg(0))
		if err != nil {
			return fmt.Errorf("failed to read artifact: %w", err)
		}
		in, err := admission.Inspect(data, nil, nil)
		if err != nil {
			return fmt.Errorf("failed to decode artifact: %w", err)
		}
		return printJSON(in)
	}
	return cmd
}

func newVerifyCommand() *Command {
	cmd := newCommand("verify", "Run artifacts through admission")
	dir := cmd.Flags.String("dir", "", "Verify every .opnet artifact in a directory")
	profile := cmd.Flags.String("profile", string(admission.ProfileStandard), "Node profile: light, standard or archive")
	minLevel := cmd.Flags.String("min-level", container.Level44.String(), "Weakest accepted security level")
	trusted := cmd.Flags.String("trusted-keys", "", "Comma-separated public key hashes to accept")
	requireSig := cmd.Flags.Bool("require-signature-block", false, "Reject manifests without a signature section")
	noLibraries := cmd.Flags.Bool("no-libraries", false, "Reject library plugins")
	asJSON := cmd.Flags.Bool("json", false, "Print full decisions as JSON")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *dir == "" && cmd.Flags.NArg() == 0 {
			return errors.New("usage: opnetplg verify [-dir <dir>] [file.opnet ...]")
		}

		p, err := admission.ParseProfile(*profile)
		if err != nil {
			return err
		}
		policy := admission.DefaultPolicy(p)
		if policy.MinLevel, err = container.ParseSecurityLevel(*minLevel); err != nil {
			return err
		}
		policy.RequireSignatureBlock = *requireSig
		policy.AllowLibraries = !*noLibraries
		if *trusted != "" {
			policy.TrustedKeys = make(map[string]bool)
			for _, k := range strings.Split(*trusted, ",") {
				if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
					policy.TrustedKeys[k] = true
				}
			}
		}

		a, err := admission.New(admission.Options{Policy: policy})
		if err != nil {
			return err
		}
		ctx := context.Background()

		var decisions []*admission.Decision
		if *dir != "" {
			store, err := storage.NewFilesystemStore(*dir)
			if err != nil {
				return err
			}
			if decisions, err = a.AdmitAll(ctx, store); err != nil {
				return err
			}
		}
		for _, path := range cmd.Flags.Args() {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read artifact: %w", err)
			}
			decisions = append(decisions, a.Evaluate(ctx, path, data))
		}

		rejected := 0
		for _, d := range decisions {
			if !d.Admitted {
				rejected++
			}
			if *asJSON {
				continue
			}
			if d.Admitted {
				fmt.Fprintf(stdout, "ADMITTED  %s  %s@%s  workers=%d memory=%dMiB\n",
					d.Source, d.Plugin, d.Version, d.Limits.Workers, d.Limits.MemoryPerWorkerMB)
			} else {
				fmt.Fprintf(stdout, "REJECTED  %s  %s/%s: %s\n", d.Source, d.FailedStage, d.Reason, d.Message)
			}
		}
		if *asJSON {
			if err := printJSON(decisions); err != nil {
				return err
			}
		}
		if rejected > 0 {
			return fmt.Errorf("%d of %d artifacts rejected", rejected, len(decisions))
		}
		return nil
	}
	return cmd
}

func newValidateCommand() *Command {
	cmd := newCommand("validate", "Validate a plugin manifest")
	dir := cmd.Flags.String("dir", ".", "Directory containing plugin.json or plugin.yaml")
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		var (
			res *manifest.Result
			err error
		)
		if cmd.Flags.NArg() > 0 {
			res, err = manifest.Load(cmd.Flags.Arg(0))
		} else {
			res, err = manifest.LoadFromDir(*dir)
		}
		if err != nil {
			return err
		}

		for _, w := range res.Warnings {
			fmt.Fprintf(stdout, "warning: %s\n", w)
		}
		if !res.Valid {
			for _, e := range res.Errors {
				fmt.Fprintf(stdout, "error: %s\n", e)
			}
			return fmt.Errorf("manifest is invalid: %d errors", len(res.Errors))
		}
		fmt.Fprintf(stdout, "Manifest %s@%s is valid\n", res.Manifest.Name, res.Manifest.Version)
		return nil
	}
	return cmd
}
