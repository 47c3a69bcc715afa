// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// env_config generates the reference of the environment variables that can
// override the service config.
package main

import (
	"log"
	"os"
	"text/tabwriter"

	"github.com/bizlink/callcore/service"

	"github.com/kelseyhightower/envconfig"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("unexpected number of arguments, need 1")
	}

	outFile, err := os.OpenFile(os.Args[1], os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		log.Fatalf("failed to write file: %s", err.Error())
	}
	defer outFile.Close()
	fmt := "### Config Environment Overrides\n\n```\nKEY	TYPE\n{{range .}}{{usage_key .}}	{{usage_type .}}\n{{end}}```\n"
	tabs := tabwriter.NewWriter(outFile, 1, 0, 4, ' ', 0)
	if err := envconfig.Usagef("callcore", &service.Config{}, tabs, fmt); err != nil {
		log.Fatalf("failed to generate usage: %s", err.Error())
	}
	if err := tabs.Flush(); err != nil {
		log.Fatalf("failed to flush output: %s", err.Error())
	}
}
