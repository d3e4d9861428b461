package main

import (
	"os"

	"github.com/yanun0323/logs"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		logs.Errorf("sitesync: %+v", err)
		os.Exit(1)
	}
}
