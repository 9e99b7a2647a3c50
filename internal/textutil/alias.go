package textutil

import (
	"math/rand/v2"
)

var aliasAdjectives = []string{
	"amber", "ancient", "autumn", "bold", "brave", "bright", "calm", "clever",
	"cosmic", "crimson", "curious", "dancing", "dawn", "dusty", "eager", "early",
	"electric", "emerald", "fancy", "fearless", "floral", "fluffy", "frosty", "gentle",
	"gilded", "glossy", "golden", "graceful", "hidden", "hollow", "humble", "icy",
	"jolly", "kind", "lively", "lucky", "lunar", "mellow", "misty", "modest",
	"nimble", "noble", "odd", "patient", "plucky", "polished", "quiet", "rapid",
	"restless", "rustic", "scarlet", "shy", "silent", "silver", "sleepy", "snowy",
	"solar", "spare", "steady", "stormy", "sunny", "swift", "tidy", "velvet",
	"wandering", "wild", "winter", "wise", "witty", "young",
}

var aliasNouns = []string{
	"anchor", "aspen", "badger", "beacon", "birch", "bison", "breeze", "brook",
	"canyon", "cedar", "comet", "coral", "crane", "creek", "dune", "eagle",
	"ember", "falcon", "fern", "finch", "fjord", "forest", "fox", "glacier",
	"grove", "harbor", "hawk", "heron", "island", "lagoon", "lantern", "lark",
	"maple", "meadow", "mesa", "moose", "moth", "nebula", "oak", "orbit",
	"otter", "owl", "panda", "pebble", "pine", "prairie", "quartz", "raven",
	"reef", "ridge", "river", "robin", "sparrow", "spruce", "star", "stone",
	"summit", "thunder", "tide", "tiger", "trail", "tundra", "valley", "walrus",
	"willow", "wolf", "wren", "yak",
}

// NewAlias returns a random "adjective-noun" pseudonym such as "quiet-falcon".
func NewAlias() string {
	return aliasAdjectives[rand.IntN(len(aliasAdjectives))] + "-" + aliasNouns[rand.IntN(len(aliasNouns))]
}
