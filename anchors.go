package main

// AnchorCoordinate is the surveyed position of one fixed anchor. Slot order
// is significant: the slot index is also the index into a RangeReport's
// range vector and the serial stream index feeding that anchor's reports.
type AnchorCoordinate struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
}

// defaultAnchorCoordinates is the reference deployment: eight anchors on the
// walls of the test room, upper ring first, the two low-mounted units last.
var defaultAnchorCoordinates = []AnchorCoordinate{
	{X: 6.1, Y: 9.2, Z: 3.0},
	{X: 5.0, Y: 0.0, Z: 2.7},
	{X: 8.9, Y: 9.1, Z: 3.0},
	{X: 3.8, Y: 0.0, Z: 2.5},
	{X: 0.8, Y: 0.0, Z: 2.8},
	{X: 2.0, Y: 9.0, Z: 3.0},
	{X: 5.7, Y: 9.2, Z: 1.5},
	{X: 6.1, Y: 9.2, Z: 0.0},
}
