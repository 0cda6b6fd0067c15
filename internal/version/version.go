// ABOUTME: Product identification shared by the streamer, player and probe
// ABOUTME: Reported in Hello/Register messages and by the version subcommand
package version

const (
	Version      = "0.1.0"
	Product      = "Audera"
	Manufacturer = "Audera Project"
)

// String returns "Product Version".
func String() string {
	return Product + " " + Version
}
