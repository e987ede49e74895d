// Package readableid derives a human-readable adjective-noun alias from a
// session UUID. The alias is for display and lookup convenience only; it
// carries no security meaning and must never be used as an access key.
package readableid

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// adjectives and nouns mirror the word-list shape of the originating
// implementation (four-letter words, filtered for appropriateness), trimmed
// to a working subset.
var adjectives = []string{
	"able", "acid", "aged", "airy", "akin", "alto", "amok", "anti", "arch", "arid",
	"avid", "away", "back", "bald", "bare", "base", "bass", "beat", "bent", "best",
	"bias", "blue", "bold", "bone", "bony", "boon", "born", "boss", "brag", "buff",
	"bulk", "bush", "busy", "calm", "camp", "chic", "clad", "cold", "cool", "cosy",
	"curt", "cute", "cyan", "daft", "damp", "dark", "deaf", "dear", "deep", "deft",
	"dire", "done", "dour", "down", "drab", "dual", "dull", "each", "east", "easy",
	"edgy", "epic", "even", "evil", "fair", "fake", "fast", "fell", "fine", "firm",
	"five", "flat", "fond", "foul", "foxy", "free", "full", "game", "gild", "glad",
	"glum", "gold", "good", "gray", "grey", "grim", "hale", "half", "hard", "hazy",
	"high", "huge", "iced", "idle", "inky", "iron", "just", "keen", "kind", "lacy",
	"lame", "lank", "last", "late", "lazy", "lean", "left", "like", "limp", "live",
	"lone", "long", "lost", "loud", "lush", "luxe", "main", "male", "mass", "mean",
	"meek", "mere", "mild", "mini", "mint", "mock", "mono", "moot", "more", "most",
	"much", "mute", "near", "neat", "next", "nice", "nine", "none", "nosy", "nude",
	"null", "numb", "oily", "okay", "only", "open", "oval", "over", "pale", "pass",
	"past", "pink", "plus", "poor", "posh", "prim", "pure", "racy", "rank", "rare",
	"real", "rich", "ripe", "rosy", "rude", "rust", "safe", "salt", "same", "sane",
	"self", "sham", "sign", "size", "slim", "slow", "smug", "snug", "soft", "sold",
	"sole", "some", "sore", "sour", "spry", "star", "such", "sure", "tall", "tame",
	"taut", "teal", "tidy", "tiny", "torn", "true", "twin", "ugly", "used", "vain",
	"vast", "very", "vile", "void", "warm", "wary", "wavy", "wide", "wild", "wise",
	"zany", "zero",
}

var nouns = []string{
	"acer", "aces", "acre", "acts", "agar", "aide", "aims", "airs", "ally", "aloe",
	"alto", "amps", "ante", "apex", "apes", "area", "aria", "arms", "army", "arts",
	"atom", "aura", "auto", "axis", "axle", "baby", "back", "bags", "bait", "bale",
	"ball", "balm", "band", "bane", "bang", "bank", "bard", "bark", "barn", "base",
	"bath", "bays", "bead", "beak", "beam", "bean", "bear", "beat", "bell", "belt",
	"bend", "bird", "bite", "blob", "blot", "blue", "blur", "boat", "body", "boil",
	"bold", "bolt", "bond", "bone", "book", "boom", "boot", "bore", "born", "bout",
	"bowl", "boys", "brig", "brim", "buck", "buds", "buff", "bugs", "bulk", "bull",
	"bump", "bunk", "buoy", "burn", "bush", "bust", "byte", "cake", "calf", "call",
	"calm", "camp", "cane", "cape", "card", "care", "cars", "cart", "case", "cash",
	"cave", "cell", "cent", "chap", "chat", "chef", "chin", "city", "clam", "clan",
	"clay", "clip", "club", "clue", "coal", "coat", "code", "coil", "coin", "cola",
	"cold", "colt", "cone", "cons", "cool", "cord", "core", "cork", "corn", "cost",
	"cove", "cows", "crab", "crew", "crib", "crop", "crow", "cube", "cubs", "cult",
	"cups", "curb", "cure", "curl", "dame", "dart", "dash", "data", "date", "deal",
	"deck", "deed", "deep", "deer", "dial", "dice", "diet", "dime", "ding", "dish",
	"disk", "dive", "dock", "docs", "dogs", "dome", "doom", "door", "dork", "dose",
	"dots", "dove", "down", "drag", "draw", "drip", "drop", "drum", "duck", "duet",
	"dune", "dunk", "dusk", "dust", "duty", "ears", "ease", "east", "eats", "echo",
	"edge", "eggs", "ends", "envy", "epic", "eyes", "face", "fact", "fade", "fair",
	"fall", "fame", "fang", "fare", "farm", "fate", "feed", "feel", "feet", "fern",
	"file", "fill", "film", "find", "fine", "fire", "fish", "fist", "fits", "five",
	"flag", "flap", "flat", "flex", "flow", "foam", "foil", "fold", "folk", "food",
	"fool", "foot", "fork", "form", "fort", "frog", "fuel", "fund", "funk", "fuse",
	"gaze", "gear", "gems", "gift", "gill", "girl", "give", "glad", "glow", "glue",
	"goal", "goat", "gold", "golf", "gong", "good", "gown", "grab", "gran", "gray",
	"grid", "grin", "grip", "grit", "guru", "hail", "hair", "hale", "half", "hall",
	"halo", "hand", "hang", "hare", "harm", "harp", "hash", "haul", "hawk", "haze",
	"head", "heap", "heat", "heel", "herb", "herd", "hero", "hide", "high", "hike",
	"hill", "hint", "hive", "hold", "hole", "holy", "home", "hook", "hoop", "horn",
	"hose", "host", "hour", "hubs", "hush", "hymn", "icon", "idea", "idle", "inch",
	"info", "ions", "iron", "item", "jail", "jazz", "jest", "join", "joke", "jolt",
	"joys", "jump", "june", "jury", "keel", "keen", "keep", "keys", "kick", "kids",
	"kiln", "kind", "king", "kiss", "kite", "knee", "knob", "lace", "lack", "lady",
	"lair", "lake", "lamb", "lame", "lamp", "land", "lane", "lark", "lash", "last",
	"lava", "lawn", "laws", "lead", "leaf", "leak", "lean", "leap", "left", "legs",
	"lens", "lent", "liar", "lice", "lick", "life", "lift", "like", "lily", "limb",
	"lime", "line", "link", "lion", "lips", "list", "load", "loaf", "loan", "lobe",
	"lock", "loft", "logo", "logs", "look", "loom", "loop", "loot", "lord", "lore",
	"loss", "lost", "lots", "love", "luck", "lump", "lung", "lure", "lush", "lynx",
	"mace", "mail", "main", "make", "male", "mall", "malt", "mane", "maps", "mare",
	"mark", "mart", "mash", "mask", "mass", "mast", "mate", "math", "maze", "meal",
	"mean", "meat", "meet", "melt", "meme", "mend", "menu", "mesh", "mess", "mice",
	"mile", "milk", "mill", "mime", "mind", "mine", "mini", "mint", "miss", "mist",
	"mode", "mold", "mole", "monk", "mood", "moon", "moor", "moot", "more", "moss",
	"moth", "move", "much", "muck", "mugs", "mule", "mums", "must", "mute", "myth",
	"nail", "name", "nave", "neck", "need", "neon", "nerd", "nest", "nets", "news",
	"nice", "nine", "node", "none", "nook", "noon", "norm", "nose", "note", "noun",
	"nuke", "null", "oars", "oath", "oats", "odds", "ogre", "oils", "okay", "omen",
	"open", "oral", "oval", "oven", "over", "owls", "pack", "page", "pain", "pale",
	"palm", "pane", "pans", "park", "part", "pass", "past", "path", "pave", "pawn",
	"peak", "peas", "peek", "peel", "peer", "pens", "perk", "pest", "pets", "pick",
	"pier", "pies", "pigs", "pike", "pile", "pill", "pine", "ping", "pink", "pins",
	"pint", "pipe", "pits", "pity", "plan", "play", "plot", "plow", "plug", "plum",
	"pods", "poem", "poet", "poke", "pole", "poll", "pond", "pony", "pool", "poor",
	"pork", "port", "pose", "post", "prey", "prod", "prof", "prop", "pubs", "pull",
	"pulp", "pump", "punk", "push", "quad", "quay", "quid", "race", "rack", "raft",
	"rage", "rail", "rain", "rake", "ramp", "rank", "rate", "rave", "rays", "read",
	"real", "reed", "reef", "reel", "rent", "rest", "ribs", "rice", "rich", "ride",
	"riff", "rift", "ring", "rink", "riot", "rise", "risk", "road", "roar", "robe",
	"rock", "rods", "role", "roll", "roof", "room", "root", "rope", "rose", "rows",
	"rule", "rune", "rung", "rush", "rust", "sack", "sage", "sail", "sake", "sale",
	"salt", "sand", "save", "scan", "seal", "seam", "seat", "seed", "seek", "self",
	"sell", "sent", "shed", "ship", "shoe", "shop", "shot", "show", "side", "sign",
	"silk", "sill", "silo", "sine", "sink", "site", "size", "skin", "skip", "slab",
	"slam", "slap", "sled", "slip", "slit", "slot", "slug", "slum", "smog", "snag",
	"snap", "snow", "snug", "soak", "soap", "sock", "soda", "sofa", "soil", "sole",
	"song", "soot", "sore", "sort", "soul", "soup", "sour", "spam", "spar", "spin",
	"spot", "spur", "stag", "star", "stem", "step", "stew", "stir", "stop", "stub",
	"suit", "sums", "surf", "swan", "swap", "sway", "swim", "tabs", "tack", "taco",
	"tail", "take", "tale", "talk", "tall", "tang", "tank", "tape", "tart", "task",
	"team", "tear", "tech", "teen", "tell", "tent", "term", "test", "text", "thaw",
	"tick", "tide", "tidy", "tier", "ties", "tile", "till", "tilt", "time", "tins",
	"tint", "tips", "tire", "toad", "toes", "tofu", "toil", "toll", "tomb", "tone",
	"tons", "tool", "tops", "tore", "tort", "tour", "town", "toys", "tram", "trap",
	"tray", "tree", "trek", "trim", "trip", "trod", "tube", "tuck", "tune", "turf",
	"turn", "tusk", "twig", "twin", "type", "unit", "urge", "used", "user", "vale",
	"vane", "vase", "vast", "veil", "vein", "vent", "verb", "vest", "vial", "vibe",
	"vice", "view", "vine", "visa", "void", "vote", "wade", "wage", "wail", "wake",
	"walk", "wall", "ward", "warm", "warp", "wars", "wash", "wasp", "wave", "waxy",
	"ways", "weed", "week", "well", "west", "whim", "wick", "wife", "wild", "will",
	"wind", "wine", "wing", "wink", "wire", "wise", "wish", "wolf", "wood", "wool",
	"word", "wore", "work", "worm", "worn", "wrap", "yard", "yarn", "yolk", "zeal",
	"zero", "zest", "zinc", "zone", "zoom",
}

// FromUUID derives a deterministic "adjective-noun" alias from a session
// UUID. The same UUID always produces the same alias.
func FromUUID(id uuid.UUID) string {
	bytes := id[:]
	adjIdx := binary.BigEndian.Uint32(bytes[0:4]) % uint32(len(adjectives))
	nounIdx := binary.BigEndian.Uint32(bytes[4:8]) % uint32(len(nouns))
	return adjectives[adjIdx] + "-" + nouns[nounIdx]
}
