package signature

import "xdao.co/wasmreg/manifest"

// OwnerPolicy is the closed set of write policies for an already-claimed
// key: either anyone may write (Open) or only an explicit key set may
// (RestrictedTo). First-time claims never consult it.
type OwnerPolicy struct {
	restricted bool
	keys       map[string]struct{}
}

// Open admits every key.
func Open() OwnerPolicy { return OwnerPolicy{} }

// RestrictedTo admits exactly the given keys. An empty set admits nobody.
func RestrictedTo(keys []string) OwnerPolicy {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return OwnerPolicy{restricted: true, keys: set}
}

// Admits reports whether key may write under this policy.
func (p OwnerPolicy) Admits(key string) bool {
	if !p.restricted {
		return true
	}
	if key == "" {
		return false
	}
	_, ok := p.keys[key]
	return ok
}

// PolicyForEntity derives the owner policy of an existing entity.
//
// A non-empty owners list restricts writes to its members. Otherwise the
// only admitted key is the one embedded in the entity's original
// signature; an unsigned, ownerless entity admits nobody.
func PolicyForEntity(existing *manifest.Entity) OwnerPolicy {
	if owners := existing.Owners(); len(owners) > 0 {
		return RestrictedTo(owners)
	}
	if sig := existing.Signature(); sig != nil && sig.PubKey != "" {
		return RestrictedTo([]string{sig.PubKey})
	}
	return RestrictedTo(nil)
}

// IsAllowedOwner reports whether incoming may write over existing.
func IsAllowedOwner(existing *manifest.Entity, incoming string) bool {
	return PolicyForEntity(existing).Admits(incoming)
}
