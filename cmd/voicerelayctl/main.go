package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-voicerelay/internal/config"
	"github.com/loqalabs/loqa-voicerelay/internal/runtime"
	"github.com/loqalabs/loqa-voicerelay/internal/synth/aquestalk"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'license', 'check-config' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "license":
		if err := runLicense(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("license key applied")
	case "check-config":
		checkCmd := flag.NewFlagSet("check-config", flag.ExitOnError)
		configPath := checkCmd.String("config", "voicerelay.yaml", "Path to configuration file")
		checkCmd.Parse(os.Args[2:])
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "version":
		fmt.Println(runtime.Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// runLicense writes a license key into a vendor library. Library paths
// default to the ones in the config file.
func runLicense(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: voicerelayctl license aquestalk1|aquestalk2|kanji2koe -key KEY")
	}
	target := args[0]

	fs := flag.NewFlagSet("license "+target, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	key := fs.String("key", "", "License key")
	voice := fs.String("voice", "f1", "AquesTalk1 voice whose library receives the key")
	library := fs.String("library", "", "Library path, overrides the config")
	fs.Parse(args[1:])

	if *key == "" {
		return errors.New("-key is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	path, err := licensePath(target, cfg.Engines, *voice, *library)
	if err != nil {
		return err
	}
	if target == "kanji2koe" {
		return aquestalk.SetKanji2KoeKey(path, *key)
	}
	return aquestalk.SetAquesTalkKey(path, *key)
}

func licensePath(target string, engines config.EnginesConfig, voice, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	switch target {
	case "aquestalk1":
		return filepath.Join(engines.AquesTalk1.LibraryDir, voice, "libAquesTalk.so"), nil
	case "aquestalk2":
		return engines.AquesTalk2.LibraryPath, nil
	case "kanji2koe":
		return engines.Kanji2Koe.LibraryPath, nil
	default:
		return "", fmt.Errorf("unknown license target %q", target)
	}
}
