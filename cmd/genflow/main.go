package main

import (
	"context"
	"os"

	"github.com/worldloom/genflow/internal/cli"
)

func main() {
	cli.Run(context.Background(), os.Args[1:])
}
