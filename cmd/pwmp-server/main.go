// pwmp-server -- the PixelWeather Messaging Protocol server.
package main

import "github.com/PixelWeatherProject/pwmp-server/cmd/pwmp-server/commands"

func main() {
	commands.Execute()
}
