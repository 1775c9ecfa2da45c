package render

// Theme holds colors for CFG rendering.
type Theme struct {
	Background string
	NodeFill   string
	NodeBorder string
	TextColor  string

	// Edge colors by kind.
	EdgeTaken       string // conditional branch taken
	EdgeFallthrough string // conditional branch not taken
	EdgeDirect      string // unconditional flow
	EdgeSwitch      string // recovered jump-table case

	// Node accents.
	EntryBorder string
	TermFill    string // blocks leaving the function
	FreeText    string // free-register annotation
}

// NASA is the NASA/Bauhaus theme: geometric, monochrome, sparse color.
var NASA = Theme{
	Background: "#F5F5F5",
	NodeFill:   "white",
	NodeBorder: "#1A1A1A",
	TextColor:  "#1A1A1A",

	EdgeTaken:       "#0B3D91", // NASA blue
	EdgeFallthrough: "#FC3D21", // NASA red
	EdgeDirect:      "#424242", // dark gray
	EdgeSwitch:      "#00695C", // teal

	EntryBorder: "#0B3D91",
	TermFill:    "#ECEFF1", // blue-gray 50
	FreeText:    "#9E9E9E",
}
