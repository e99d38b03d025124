package main

import (
	"github.com/Paintersrp/subproc/internal/cli"
	"github.com/Paintersrp/subproc/internal/metrics"
	"github.com/Paintersrp/subproc/internal/subprocess"
)

func main() {
	if subprocess.Init() {
		return
	}
	metrics.EmitBuildInfo()
	cli.Execute()
}
