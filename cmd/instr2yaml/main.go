package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

func main() {
	outFile := flag.String("o", "", "Output file (default: input.yaml)")
	check := flag.Bool("check", false, "Validate every graph and write nothing")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: instr2yaml [options] instruments.json\n\nConverts a legacy JSON instrument file to the hapticd YAML instrument library.\n\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  instr2yaml haptic_instruments.json\n")
		fmt.Fprintf(os.Stderr, "  instr2yaml -o instruments.yaml haptic_instruments.json\n")
		fmt.Fprintf(os.Stderr, "  instr2yaml -check haptic_instruments.json\n")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	inputPath := flag.Arg(0)

	conv := NewConverter()
	output, err := conv.ConvertFileFromPath(inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	for _, p := range conv.Problems {
		fmt.Fprintf(os.Stderr, "invalid: %s\n", p)
	}

	if *check {
		if conv.Errors() > 0 {
			os.Exit(1)
		}
		fmt.Println("ok")
		return
	}

	outputPath := *outFile
	if outputPath == "" {
		outputPath = strings.TrimSuffix(inputPath, ".json") + ".yaml"
	}
	if err := os.WriteFile(outputPath, output, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing %s: %v\n", outputPath, err)
		os.Exit(1)
	}

	if conv.Errors() > 0 {
		fmt.Fprintf(os.Stderr, "%d invalid instrument(s); hapticd will substitute the default graph\n", conv.Errors())
		os.Exit(1)
	}
}
