package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/pterm/pterm"

	"github.com/wkotala/Computer-Networks-Course-Projects/approx/server"
	"github.com/wkotala/Computer-Networks-Course-Projects/approx/wire"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-p port] [-k value] [-n value] [-m value] -f file\n", os.Args[0])
}

func fatal(format string, args ...any) {
	usage()
	pterm.Error.Printfln(format, args...)
	os.Exit(1)
}

func checkRange(name string, value, min, max int) {
	if value < min || value > max {
		fatal("%d is not a valid %s in the range [%d, %d]", value, name, min, max)
	}
}

func main() {
	port := flag.Uint("p", 0, "port to listen on, 0 lets the system choose")
	k := flag.Int("k", 100, "largest abscissa of the approximated polynomials")
	n := flag.Int("n", 4, "degree of the approximated polynomials")
	m := flag.Int("m", 131, "number of correct puts ending the game")
	file := flag.String("f", "", "coefficient file, one line per new player")
	flag.Usage = usage
	flag.Parse()

	logger := slog.New(pterm.NewSlogHandler(&pterm.DefaultLogger))

	if flag.NArg() > 0 {
		fatal("Unknown argument: %s", flag.Arg(0))
	}
	if *port > 65535 {
		fatal("Port %d is not a valid port number", *port)
	}
	checkRange("k", *k, 1, wire.MaxK)
	checkRange("n", *n, 1, wire.MaxN)
	checkRange("m", *m, 1, wire.MaxM)
	if *file == "" {
		fatal("File name (-f) is required")
	}

	coeffFile, err := os.Open(*file)
	if err != nil {
		pterm.Error.Printfln("Could not open coefficients file: %v", err)
		os.Exit(1)
	}
	defer coeffFile.Close()

	// The dual-stack listener accepts IPv4 and IPv6 clients alike; the
	// kernel falls back to IPv4-only where IPv6 is unavailable.
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		pterm.Error.Printfln("Could not listen on port %d: %v", *port, err)
		os.Exit(1)
	}
	defer ln.Close()

	pterm.Info.Printfln("Starting with port=%s, k=%d, n=%d, m=%d, file='%s'",
		portLabel(*port), *k, *n, *m, *file)
	pterm.Info.Printfln("Listening on %s", ln.Addr())

	engine := server.NewEngine(*k, *n, *m, coeffFile, server.WithEngineLogger(logger))
	srv := server.New(engine, ln, server.WithServerLogger(logger))
	if err := srv.Run(); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func portLabel(port uint) string {
	if port == 0 {
		return "any"
	}
	return fmt.Sprintf("%d", port)
}
