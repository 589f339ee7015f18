package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/MixyLabs/soundkeep/pkg/soundkeep"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose     bool
	listDevices bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging device changes)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.BoolVar(&listDevices, "list-devices", false, "print the render devices and whether they'd be kept awake, then exit")
	flag.Parse()
}

func main() {
	logger, err := soundkeep.NewLogger(buildType, verbose)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debugw("Created logger", "verbose", verbose)

	version := versionString()
	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	sk, err := soundkeep.NewSoundKeep(logger)
	if err != nil {
		named.Fatalw("Failed to create soundkeep object", "error", err)
	}

	if listDevices {
		os.Exit(printDevices(named, sk))
	}

	if version != "" {
		sk.SetVersion(version)
	}

	if err = sk.Initialize(); err != nil {
		named.Fatalw("Failed to initialize soundkeep", "error", err)
	}
}

// versionString is empty for local builds that weren't stamped by the release script
func versionString() string {
	if buildType == "" || (versionTag == "" && gitCommit == "") {
		return ""
	}

	identifier := gitCommit
	if versionTag != "" {
		identifier = versionTag
	}

	return fmt.Sprintf("Version %s-%s", buildType, identifier)
}

func printDevices(logger *zap.SugaredLogger, sk *soundkeep.SoundKeep) int {
	statuses, err := sk.ListEndpoints()
	if err != nil {
		logger.Errorw("Failed to list render devices", "error", err)
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEPT\tDEFAULT\tNAME\tID")

	for _, status := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", yesNo(status.Kept), yesNo(status.Default), status.Name, status.ID)
	}

	if err := w.Flush(); err != nil {
		logger.Warnw("Failed to print render devices", "error", err)
		return 1
	}

	return 0
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}

	return "no"
}
