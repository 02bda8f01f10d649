// Package placer decides which servers a service's replicas land on. Place
// is a pure function: it never touches the Store, never mutates its inputs,
// and callers are responsible for persisting the returned plan.
package placer

import (
	"sort"

	"github.com/anchorhq/anchor/pkg/apierr"
	"github.com/anchorhq/anchor/pkg/types"
)

// Placement is one line of a placement plan: count replicas of the service
// on ServerID.
type Placement struct {
	ServerID string
	Count    int
}

// Load is the current running-deployment count for a server, used to break
// ties when spreading replicas (servers carrying less already get the
// remainder).
type Load struct {
	ServerID string
	Running  int
}

// Place computes the placement plan for svc given the pool of eligible
// servers, their current load, and (for autoPlace=false services) the
// user-supplied ServiceReplica rows. Proxy-only servers are never eligible —
// they exist to front traffic, not to run deployments.
func Place(svc *types.Service, servers []*types.Server, loads []Load, explicit []*types.ServiceReplica) ([]Placement, error) {
	eligible := eligibleServers(servers)

	if svc.Stateful {
		return placeStateful(svc, eligible)
	}
	if svc.AutoPlace {
		return placeAutoSpread(svc, eligible, loads)
	}
	return placeExplicit(svc, eligible, explicit)
}

func eligibleServers(servers []*types.Server) []*types.Server {
	var out []*types.Server
	for _, s := range servers {
		if s.Status == types.ServerOnline && !s.IsProxy {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func placeStateful(svc *types.Service, eligible []*types.Server) ([]Placement, error) {
	if svc.LockedServerID != "" {
		return []Placement{{ServerID: svc.LockedServerID, Count: 1}}, nil
	}
	if len(eligible) == 0 {
		return nil, apierr.NewInsufficientCapacity("no online server available for stateful service " + svc.ID)
	}
	return []Placement{{ServerID: eligible[0].ID, Count: 1}}, nil
}

// placeAutoSpread distributes svc.Replicas across eligible servers:
// floor(N/S) each, remainder to the servers with the lowest running count
// (ties broken by lexicographic server id).
func placeAutoSpread(svc *types.Service, eligible []*types.Server, loads []Load) ([]Placement, error) {
	if len(eligible) == 0 {
		return nil, apierr.NewInsufficientCapacity("no online server available for service " + svc.ID)
	}

	running := make(map[string]int, len(loads))
	for _, l := range loads {
		running[l.ServerID] = l.Running
	}

	n, s := svc.Replicas, len(eligible)
	base := n / s
	remainder := n % s

	byLoad := append([]*types.Server(nil), eligible...)
	sort.Slice(byLoad, func(i, j int) bool {
		li, lj := running[byLoad[i].ID], running[byLoad[j].ID]
		if li != lj {
			return li < lj
		}
		return byLoad[i].ID < byLoad[j].ID
	})

	extra := make(map[string]bool, remainder)
	for i := 0; i < remainder; i++ {
		extra[byLoad[i].ID] = true
	}

	plan := make([]Placement, 0, len(eligible))
	for _, srv := range eligible {
		count := base
		if extra[srv.ID] {
			count++
		}
		if count > 0 {
			plan = append(plan, Placement{ServerID: srv.ID, Count: count})
		}
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].ServerID < plan[j].ServerID })
	return plan, nil
}

// placeExplicit honours svc's user-supplied replica rows verbatim, after
// dropping rows pinned to an offline (or otherwise ineligible) server. Any
// replica demand left unsatisfied by that filtering is InsufficientCapacity,
// since explicit placement never redistributes to other servers.
func placeExplicit(svc *types.Service, eligible []*types.Server, explicit []*types.ServiceReplica) ([]Placement, error) {
	eligibleIDs := make(map[string]bool, len(eligible))
	for _, s := range eligible {
		eligibleIDs[s.ID] = true
	}

	plan := make([]Placement, 0, len(explicit))
	satisfied := 0
	for _, r := range explicit {
		if !eligibleIDs[r.ServerID] {
			continue
		}
		plan = append(plan, Placement{ServerID: r.ServerID, Count: r.Count})
		satisfied += r.Count
	}

	if satisfied < svc.Replicas {
		return nil, apierr.NewInsufficientCapacity("explicit placement for service " + svc.ID + " leaves replica demand unsatisfied after filtering offline servers")
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].ServerID < plan[j].ServerID })
	return plan, nil
}
