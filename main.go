package main

import (
	"fmt"
	"os"

	"github.com/webitel/event-stream-service/cmd"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}
