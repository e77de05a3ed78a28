package docker

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockernetwork "github.com/docker/docker/api/types/network"
)

// NetworkSummary is one labelled session network as observed in the
// engine, used for startup reconciliation.
type NetworkSummary struct {
	ID        string
	Name      string
	SessionID string
	Subnets   []netip.Prefix
}

// EnsureNetwork creates the named bridge network with the given subnet
// if it does not exist. An existing network with a different subnet is
// purged and recreated: its lease was lost, so its addressing is stale.
func (r *Runtime) EnsureNetwork(ctx context.Context, name string, subnet netip.Prefix, labels map[string]string) error {
	needsCreate := false
	nw, err := r.cli.NetworkInspect(ctx, name, dockernetwork.InspectOptions{})
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("inspect docker network %q: %w", name, err)
		}
		needsCreate = true
	} else if len(nw.IPAM.Config) == 0 || nw.IPAM.Config[0].Subnet != subnet.String() {
		if err := r.PurgeNetworkContainers(ctx, name); err != nil {
			return err
		}
		if err := r.cli.NetworkRemove(ctx, name); err != nil {
			return fmt.Errorf("remove stale docker network %q: %w", name, err)
		}
		needsCreate = true
	}

	if needsCreate {
		if _, err := r.cli.NetworkCreate(ctx, name, dockernetwork.CreateOptions{
			Driver: "bridge",
			Scope:  "local",
			IPAM:   &dockernetwork.IPAM{Config: []dockernetwork.IPAMConfig{{Subnet: subnet.String()}}},
			Labels: labels,
		}); err != nil {
			return fmt.Errorf("create docker network %q: %w", name, err)
		}
	}
	return nil
}

// RemoveNetwork disconnects any remaining containers and deletes the
// network. Idempotent: NotFound is silently ignored.
func (r *Runtime) RemoveNetwork(ctx context.Context, name string) error {
	if err := r.PurgeNetworkContainers(ctx, name); err != nil {
		return err
	}
	if err := r.cli.NetworkRemove(ctx, name); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove docker network %q: %w", name, err)
	}
	return nil
}

// PurgeNetworkContainers force-removes every container still attached
// to the network so the network itself can be deleted.
func (r *Runtime) PurgeNetworkContainers(ctx context.Context, name string) error {
	nw, err := r.cli.NetworkInspect(ctx, name, dockernetwork.InspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect docker network %q: %w", name, err)
	}
	for id := range nw.Containers {
		if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("remove container %s attached to network %q: %w", shortID(id), name, err)
		}
	}
	return nil
}

// ListSessionNetworks enumerates networks carrying the session label,
// with their subnets and owning session ids.
func (r *Runtime) ListSessionNetworks(ctx context.Context) ([]NetworkSummary, error) {
	args := filters.NewArgs(filters.Arg("label", SessionLabel+"="+SessionLabelValue))
	nws, err := r.cli.NetworkList(ctx, dockernetwork.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list session networks: %w", err)
	}

	out := make([]NetworkSummary, 0, len(nws))
	for _, nw := range nws {
		s := NetworkSummary{
			ID:        nw.ID,
			Name:      nw.Name,
			SessionID: nw.Labels[SessionIDLabel],
		}
		for _, cfg := range nw.IPAM.Config {
			prefix, err := netip.ParsePrefix(cfg.Subnet)
			if err != nil {
				continue
			}
			s.Subnets = append(s.Subnets, prefix)
		}
		out = append(out, s)
	}
	return out, nil
}
