package main

import (
	formatter "github.com/bluexlab/logrus-formatter"
	"github.com/certkeep/certkeep/pkg/certmgr/cli"
)

func main() {
	formatter.InitLogger()
	cli := cli.NewCobraApp()
	cli.Run()
}
