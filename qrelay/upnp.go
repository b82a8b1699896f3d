package qrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/rs/zerolog"
)

const upnpLease = DefaultUDPTimeout + time.Minute

// PortMapper opens real ports on the network's gateway.
type PortMapper interface {
	AddPortMapping(ctx context.Context, protocol string, port int, description string, lease time.Duration) error
	DeletePortMapping(ctx context.Context, protocol string, port int) error
}

type igdMapper struct {
	client *internetgateway2.WANIPConnection1
}

// DiscoverPortMapper finds the first Internet Gateway Device on the LAN.
func DiscoverPortMapper(ctx context.Context) (PortMapper, error) {
	clients, errs, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("upnp discovery: %w", err)
	}
	if len(clients) == 0 {
		if len(errs) > 0 {
			return nil, fmt.Errorf("upnp discovery: %w", errors.Join(errs...))
		}
		return nil, errors.New("upnp discovery: no gateway found")
	}
	return &igdMapper{client: clients[0]}, nil
}

func (m *igdMapper) AddPortMapping(ctx context.Context, protocol string, port int, description string, lease time.Duration) error {
	local := m.client.LocalAddr()
	if local == nil {
		return errors.New("upnp: local address unknown")
	}
	return m.client.AddPortMappingCtx(ctx, "", uint16(port), strings.ToUpper(protocol), uint16(port),
		local.String(), true, description, uint32(lease/time.Second))
}

func (m *igdMapper) DeletePortMapping(ctx context.Context, protocol string, port int) error {
	return m.client.DeletePortMappingCtx(ctx, "", uint16(port), strings.ToUpper(protocol))
}

// bindingProtocols lists the gateway protocols a binding needs: UDP
// bindings also carry their bridge on TCP.
func bindingProtocols(b *Binding) []string {
	switch b.Kind() {
	case BindingUDP:
		return []string{"UDP", "TCP"}
	case BindingListener:
		return []string{"TCP"}
	default:
		return nil
	}
}

func mapBinding(ctx context.Context, mapper PortMapper, b *Binding, log zerolog.Logger) {
	for _, proto := range bindingProtocols(b) {
		desc := fmt.Sprintf("qrelay %d", b.Port)
		if err := mapper.AddPortMapping(ctx, proto, b.RealPort(), desc, upnpLease); err != nil {
			log.Warn().Err(err).Str("protocol", proto).Int("real_port", b.RealPort()).Msg("UPnP mapping failed")
			continue
		}
		log.Debug().Str("protocol", proto).Int("real_port", b.RealPort()).Msg("UPnP mapping added")
	}
}

func unmapBinding(ctx context.Context, mapper PortMapper, b *Binding, log zerolog.Logger) {
	for _, proto := range bindingProtocols(b) {
		if err := mapper.DeletePortMapping(ctx, proto, b.RealPort()); err != nil {
			log.Debug().Err(err).Str("protocol", proto).Int("real_port", b.RealPort()).Msg("UPnP unmapping failed")
		}
	}
}
