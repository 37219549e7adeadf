// Package discovery locates a hub on the local network via mDNS when no
// URL has been configured.
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	mdnsService = "_home-assistant._tcp"
	mdnsDomain  = "local."
)

// Lookup browses for a hub and returns its base URL (http://host:port).
// The first responder wins; ctx bounds the wait.
func Lookup(ctx context.Context, timeout time.Duration, logger *logrus.Logger) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := resolver.Browse(ctx, mdnsService, mdnsDomain, entries); err != nil {
		return "", fmt.Errorf("mDNS browse failed: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("no hub found on the local network")
			}
			if entry == nil {
				continue
			}
			host := entry.HostName
			if len(entry.AddrIPv4) > 0 {
				host = entry.AddrIPv4[0].String()
			}
			url := fmt.Sprintf("http://%s:%d", host, entry.Port)
			logger.WithFields(logrus.Fields{
				"instance": entry.Instance,
				"url":      url,
			}).Info("Discovered hub via mDNS")
			return url, nil
		case <-ctx.Done():
			return "", fmt.Errorf("no hub found on the local network")
		}
	}
}
