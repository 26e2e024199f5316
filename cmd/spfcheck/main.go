// Command spfcheck performs a single SPF check from the command line.
//
// For development and experimentation only. No backwards compatibility
// guarantees.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mailauth/spf"
	"github.com/mailauth/spf/resolver"
)

var (
	debug   = flag.Bool("debug", false, "include debugging output")
	dnsAddr = flag.String("dns_addr", "", "address of the DNS server to use")
	helo    = flag.String("helo", "", "HELO/EHLO identity")
	scope   = flag.String("scope", "mfrom", "identity scope: helo, mfrom or pra")
)

func main() {
	flag.Usage = func() {
		fmt.Printf("Usage: spfcheck [options] 1.2.3.4 name@sender.com\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	var opts []spf.Option
	if *debug {
		opts = append(opts, spf.WithTraceFunc(func(f string, a ...interface{}) {
			fmt.Printf("debug: "+f+"\n", a...)
		}))
	}

	cfg := resolver.Config{Timeout: 5 * time.Second}
	if *dnsAddr != "" {
		cfg.Nameservers = []string{*dnsAddr}
	}
	opts = append(opts, spf.WithResolver(resolver.New(cfg)))

	srv, err := spf.NewServer(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spfcheck: %v\n", err)
		os.Exit(1)
	}

	ip := net.ParseIP(args[0])
	if ip == nil {
		fmt.Fprintf(os.Stderr, "spfcheck: invalid IP address %q\n", args[0])
		os.Exit(1)
	}
	identity := args[1]

	req := spf.NewRequest(spf.Scope(*scope), identity, ip, *helo)

	fmt.Printf("Identity: %v (scope=%v)\n", identity, *scope)
	fmt.Printf("IP: %v\n", ip)

	res := srv.Process(context.Background(), req)
	fmt.Printf("Result: %v\n", res.Kind)
	if res.Explanation != "" {
		fmt.Printf("Explanation: %v\n", res.Explanation)
	}
}
