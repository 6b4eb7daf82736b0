package pagerunner_test

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	pagerunner "github.com/Swind/go-page-runner"
	"github.com/Swind/go-page-runner/source"
)

type stringOpener string

func (s stringOpener) Open(ctx context.Context, target string) (*source.Source, error) {
	return &source.Source{Reader: bufio.NewReader(strings.NewReader(string(s))), URL: target}, nil
}

// ExampleNewInstance fetches one page through the engine and prints it.
func ExampleNewInstance() {
	inst, err := pagerunner.NewInstance(nil,
		pagerunner.WithOpener(stringOpener("<title>Hi</title><p>Hello, world")))
	if err != nil {
		panic(err)
	}
	defer inst.Close(context.Background())

	doc, err := inst.Engine.GetPage(context.Background(), "mem://hello", "")
	if err != nil {
		panic(err)
	}

	fmt.Println(doc.Title)
	fmt.Println(doc.TextContent())

	// Output:
	// Hi
	// HiHello, world
}
