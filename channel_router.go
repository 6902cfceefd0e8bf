// channel_router.go - Resolves effect keys, categories and buses to output channel masks

package main

import "strings"

// Routing categories. Keys are classified by prefix; the fixed voices use
// their own category.
const (
	CategoryDamage      = "damage"
	CategoryFootsteps   = "footsteps"
	CategoryMiningSwing = "mining_swing"
	CategoryMounted     = "mounted"
	CategoryGameplay    = "gameplay"
	CategorySound       = "sound"
	CategoryCustom      = "custom"

	CategoryRoad       = "road"
	CategoryAccelBump  = "accel_bump"
	CategoryBiomeChime = "biome_chime"
)

// ClassifyCategory maps an effect key onto a routing category.
func ClassifyCategory(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	switch {
	case k == "":
		return CategoryCustom
	case strings.HasPrefix(k, "damage."):
		return CategoryDamage
	case strings.HasPrefix(k, "movement."):
		return CategoryFootsteps
	case strings.HasPrefix(k, "mining."):
		return CategoryMiningSwing
	case strings.HasPrefix(k, "mount."), strings.HasPrefix(k, "flight."):
		return CategoryMounted
	case strings.HasPrefix(k, "gameplay."):
		return CategoryGameplay
	}
	return CategorySound
}

// Router is an immutable routing table for one channel layout. Build a new
// one when the configuration or the device format changes.
type Router struct {
	channels  int
	allMask   int
	groups    map[string]int
	category  map[string]int
	overrides map[string]int
	bus       [busCount]int
}

// NewRouter builds a router for the given layout. With the sound scape
// disabled every lookup resolves to all channels.
func NewRouter(sc SoundScapeConfig, channels int) *Router {
	channels = NormalizeChannels(channels)
	r := &Router{
		channels:  channels,
		allMask:   allChannelsMask(channels),
		groups:    make(map[string]int),
		category:  make(map[string]int),
		overrides: make(map[string]int),
	}
	for i := range r.bus {
		r.bus[i] = r.allMask
	}
	if !sc.Enabled {
		r.groups["all"] = r.allMask
		return r
	}

	for name, members := range sc.Groups {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		mask := 0
		for _, m := range members {
			mask |= channelIDMask(m, channels)
		}
		if mask != 0 {
			r.groups[name] = mask
		}
	}
	if _, ok := r.groups["all"]; !ok {
		r.groups["all"] = r.allMask
	}

	for k, target := range sc.CategoryRouting {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			r.category[k] = r.targetToMask(target)
		}
	}
	for k, target := range sc.Overrides {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			r.overrides[k] = r.targetToMask(target)
		}
	}
	for k, target := range sc.BusRouting {
		k = strings.ToLower(strings.TrimSpace(k))
		for b := range busCount {
			if b.String() == k {
				r.bus[b] = r.targetToMask(target)
			}
		}
	}
	return r
}

// Channels is the layout the router was built for.
func (r *Router) Channels() int { return r.channels }

// AllMask covers every channel of the layout.
func (r *Router) AllMask() int { return r.allMask }

// targetToMask resolves "ch:ID", "grp:name", a bare channel id or a group
// name. Anything unresolvable routes to every channel.
func (r *Router) targetToMask(raw string) int {
	v := strings.TrimSpace(raw)
	if v == "" {
		return r.allMask
	}
	lower := strings.ToLower(v)
	if id, ok := strings.CutPrefix(lower, "ch:"); ok {
		if m := channelIDMask(id, r.channels); m != 0 {
			return m
		}
		return r.allMask
	}
	if name, ok := strings.CutPrefix(lower, "grp:"); ok {
		return r.groupMask(strings.TrimSpace(name))
	}
	if m := channelIDMask(v, r.channels); m != 0 {
		return m
	}
	return r.groupMask(lower)
}

func (r *Router) groupMask(name string) int {
	if m := r.groups[name]; m != 0 {
		return m
	}
	return r.allMask
}

// GroupMask returns the channels of a named group.
func (r *Router) GroupMask(name string) int {
	return r.groupMask(strings.ToLower(strings.TrimSpace(name)))
}

// MaskForCategory returns the channels a category is routed to.
func (r *Router) MaskForCategory(category string) int {
	k := strings.ToLower(strings.TrimSpace(category))
	if m := r.category[k]; m != 0 {
		return m
	}
	return r.allMask
}

// MaskForEffectKey honours per-key overrides before the key's category.
func (r *Router) MaskForEffectKey(key string) int {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return r.MaskForCategory(CategoryCustom)
	}
	if m := r.overrides[k]; m != 0 {
		return m
	}
	return r.MaskForCategory(ClassifyCategory(k))
}

// MaskForBus returns the channels a bus is routed to.
func (r *Router) MaskForBus(b HapticBus) int {
	if b < 0 || b >= busCount {
		return r.allMask
	}
	return r.bus[b]
}

// ImpulseMask is the final mask for an impulse voice. A forced mask wins;
// otherwise effect and bus routing intersect. An empty result plays on
// every channel.
func (r *Router) ImpulseMask(forcedMask int, key string, b HapticBus) int {
	m := forcedMask & r.allMask
	if forcedMask != 0 && m == 0 {
		// Forced surround channel on a stereo device.
		m = r.allMask
	}
	if m == 0 {
		m = r.MaskForEffectKey(key) & r.MaskForBus(b)
	}
	if m == 0 {
		return r.allMask
	}
	return m
}
