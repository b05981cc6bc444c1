package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/pterm/pterm"

	"github.com/wkotala/Computer-Networks-Course-Projects/approx/client"
	"github.com/wkotala/Computer-Networks-Course-Projects/approx/wire"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s -u player_id -s server -p port [-4] [-6] [-a]\n", os.Args[0])
}

func fatal(format string, args ...any) {
	usage()
	pterm.Error.Printfln(format, args...)
	os.Exit(1)
}

func main() {
	playerID := flag.String("u", "", "player id, alphanumeric")
	serverAddr := flag.String("s", "", "server address")
	port := flag.Uint("p", 0, "server port")
	force4 := flag.Bool("4", false, "force IPv4")
	force6 := flag.Bool("6", false, "force IPv6")
	auto := flag.Bool("a", false, "approximate automatically instead of reading stdin")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() > 0 {
		fatal("Unknown argument: %s", flag.Arg(0))
	}
	if *playerID == "" {
		fatal("Player ID (-u) is required")
	}
	if !wire.IsAlphanumeric(*playerID) {
		fatal("Player ID (-u) must contain only alphanumeric characters")
	}
	if *serverAddr == "" {
		fatal("Server address (-s) is required")
	}
	if *port == 0 || *port > 65535 {
		fatal("Server port (-p) must be in 1..65535")
	}
	if *force4 && *force6 {
		*force4, *force6 = false, false
	}

	network := "tcp"
	switch {
	case *force4:
		network = "tcp4"
	case *force6:
		network = "tcp6"
	}

	info := fmt.Sprintf("Starting with id '%s' on server [%s]:%d", *playerID, *serverAddr, *port)
	if *force4 {
		info += " forcing IPv4"
	}
	if *force6 {
		info += " forcing IPv6"
	}
	if *auto {
		info += " using auto strategy"
	} else {
		info += " reading from stdin"
	}
	pterm.Info.Println(info + ".")

	conn, err := net.Dial(network, fmt.Sprintf("%s:%d", *serverAddr, *port))
	if err != nil {
		pterm.Error.Printfln("Could not connect to %s:%d: %v", *serverAddr, *port, err)
		os.Exit(1)
	}
	defer conn.Close()

	printLog := func(text string, isErr bool) {
		if isErr {
			pterm.Error.Println(text)
		} else {
			pterm.Info.Println(text + ".")
		}
	}

	c := client.New(*playerID, *auto, client.WithLogPrinter(printLog))
	if err := c.Run(conn); err != nil {
		pterm.Error.Printfln("%v", err)
		os.Exit(1)
	}
	renderScoring(c.FinalScores(), *playerID)
}

// renderScoring shows the final standings, with the local player called out.
func renderScoring(scores []wire.PlayerScore, self string) {
	if len(scores) == 0 {
		return
	}
	box := pterm.DefaultBox.WithLeftPadding(4).WithRightPadding(4).WithTopPadding(1).WithBottomPadding(1)
	var panels []pterm.Panel
	for _, s := range scores {
		name := s.ID
		if s.ID == self {
			name = pterm.LightCyan(s.ID)
		}
		panels = append(panels, pterm.Panel{
			Data: box.WithTitle(name).WithTitleTopLeft().Sprintf("Score: %s", wire.FormatDouble(s.Score)),
		})
	}
	pterm.DefaultPanel.WithPanels([][]pterm.Panel{panels}).Render()
}
