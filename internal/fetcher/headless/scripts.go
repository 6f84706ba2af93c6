package headless

import (
	"github.com/go-rod/stealth"
)

// webdriverMask hides navigator.webdriver before page scripts can read it.
const webdriverMask = `Object.defineProperty(Object.getPrototypeOf(navigator), 'webdriver', {
  get: () => undefined,
  configurable: true,
});`

// InitScripts returns the scripts every new document runs first.
func InitScripts(withStealth bool) []string {
	scripts := []string{webdriverMask}
	if withStealth {
		scripts = append(scripts, stealth.JS)
	}
	return scripts
}

// hardeningFlags are passed to every launched Chromium.
var hardeningFlags = []string{
	"--disable-blink-features=AutomationControlled",
	"--disable-dev-shm-usage",
	"--no-first-run",
	"--no-default-browser-check",
}
