package registry

import "github.com/relaynet/go-tor/pkg/config"

// OptionsFromConfig builds registry Options from the client's loaded
// configuration, translating its router-set and family-set fields into
// the RouterSet values the family resolver, selectors, and readiness
// evaluator consult.
func OptionsFromConfig(c *config.Config) Options {
	families := make([]RouterSet, 0, len(c.NodeFamilies))
	for _, set := range c.NodeFamilies {
		families = append(families, NewRouterSet(set))
	}
	return Options{
		DirAuthority:           c.DirAuthority,
		EntryNodes:             NewRouterSet(c.EntryNodes),
		ExitNodes:              NewRouterSet(c.ExitNodes),
		ExcludeExitNodes:       NewRouterSet(c.ExcludeExitNodes),
		EnforceDistinctSubnets: c.EnforceDistinctSubnets,
		FamilySets:             families,
		MinPathsForCircsPct:    c.MinPathsForCircuitsPercent,
	}
}
