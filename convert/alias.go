package convert

import "log/slog"

// Identity is the address of a tensor's first element: its storage and the
// byte offset into that storage. Two tensors with the same Identity alias the
// same memory regardless of their values.
type Identity struct {
	storage *Storage
	offset  int
}

func (t *Tensor) Identity() Identity {
	return Identity{storage: t.Storage, offset: t.Offset * t.Storage.DType.Size()}
}

// SharedTensors returns groups of names whose tensors share an Identity. Only
// groups with more than one name are returned, each in checkpoint order.
func SharedTensors(sd *StateDict) [][]string {
	groups := make(map[Identity][]string)
	var order []Identity
	sd.Each(func(name string, t *Tensor) {
		id := t.Identity()
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], name)
	})

	var shared [][]string
	for _, id := range order {
		if names := groups[id]; len(names) > 1 {
			shared = append(shared, names)
		}
	}

	return shared
}

// ResolveAliases keeps the first name of every shared group and removes the
// rest from sd. It returns the removed names.
func ResolveAliases(sd *StateDict) []string {
	var removed []string
	for _, names := range SharedTensors(sd) {
		slog.Debug("shared tensors", "keep", names[0], "drop", names[1:])
		for _, name := range names[1:] {
			sd.Remove(name)
			removed = append(removed, name)
		}
	}

	return removed
}
