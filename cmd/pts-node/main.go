package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"

	"github.com/pterm/pterm"

	"github.com/wkotala/Computer-Networks-Course-Projects/pts"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-b bind_address] [-p port] [-a peer_address] [-r peer_port]\n", os.Args[0])
}

func fatal(format string, args ...any) {
	usage()
	pterm.Error.Printfln(format, args...)
	os.Exit(1)
}

func main() {
	bindAddr := flag.String("b", "", "bind address (default: all IPv4 interfaces)")
	port := flag.Uint("p", 0, "port to bind, 0 lets the system choose")
	peerAddr := flag.String("a", "", "address of a known peer to contact")
	peerPort := flag.Uint("r", 0, "port of the known peer")
	flag.Usage = usage
	flag.Parse()

	logger := slog.New(pterm.NewSlogHandler(&pterm.DefaultLogger))

	if flag.NArg() > 0 {
		fatal("Unknown argument: %s", flag.Arg(0))
	}
	if *port > 65535 {
		fatal("Port %d is not a valid port number", *port)
	}
	aProvided, rProvided := false, false
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "a":
			aProvided = true
		case "r":
			rProvided = true
		}
	})
	if aProvided != rProvided {
		fatal("Options -a and -r must be provided together")
	}
	if rProvided && (*peerPort == 0 || *peerPort > 65535) {
		fatal("Peer port must be in 1..65535")
	}

	listenOn := fmt.Sprintf(":%d", *port)
	if *bindAddr != "" {
		listenOn = fmt.Sprintf("%s:%d", *bindAddr, *port)
	}
	listenAddr, err := net.ResolveUDPAddr("udp4", listenOn)
	if err != nil {
		fatal("Cannot resolve bind address %s: %v", listenOn, err)
	}
	conn, err := net.ListenUDP("udp4", listenAddr)
	if err != nil {
		pterm.Error.Printfln("Cannot bind to %s: %v", listenOn, err)
		os.Exit(1)
	}
	defer conn.Close()

	bound := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	own, err := pts.OwnAddresses(netip.AddrPortFrom(bound.Addr().Unmap(), bound.Port()))
	if err != nil {
		pterm.Error.Printfln("Cannot determine own addresses: %v", err)
		os.Exit(1)
	}
	pterm.Info.Printfln("Time-sync node listening on %s", bound)

	node := pts.NewNode(own, pts.WithLogger(logger))
	node.Bind(conn)
	if aProvided {
		peer, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", *peerAddr, *peerPort))
		if err != nil {
			pterm.Error.Printfln("Cannot resolve peer %s:%d: %v", *peerAddr, *peerPort, err)
			os.Exit(1)
		}
		pterm.Info.Printfln("Contacting known peer %s", peer)
		node.Start(netip.AddrPortFrom(peer.AddrPort().Addr().Unmap(), peer.AddrPort().Port()))
	}

	if err := node.Run(); err != nil {
		logger.Error("node stopped", "err", err)
		os.Exit(1)
	}
}
