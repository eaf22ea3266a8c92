package hostbrowser

import (
	"encoding/json"
	"os"
	"path/filepath"
	goruntime "runtime"
)

// Browser identifies a detected host browser family.
type Browser string

const (
	BrowserChrome   Browser = "chrome"
	BrowserChromium Browser = "chromium"
	BrowserEdge     Browser = "edge"
	BrowserBrave    Browser = "brave"
)

// Profile is one profile found in the browser's real user data directory.
type Profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Detection is the result of scanning for an installed browser.
type Detection struct {
	Available bool      `json:"available"`
	Browser   Browser   `json:"browser,omitempty"`
	Path      string    `json:"path,omitempty"`
	Profiles  []Profile `json:"profiles,omitempty"`
}

// candidate pairs a browser family with its well-known install path.
type candidate struct {
	browser Browser
	path    string
}

func installCandidates() []candidate {
	switch goruntime.GOOS {
	case "darwin":
		return []candidate{
			{BrowserChrome, "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"},
			{BrowserBrave, "/Applications/Brave Browser.app/Contents/MacOS/Brave Browser"},
			{BrowserEdge, "/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge"},
			{BrowserChromium, "/Applications/Chromium.app/Contents/MacOS/Chromium"},
		}
	case "windows":
		programFiles := os.Getenv("ProgramFiles")
		if programFiles == "" {
			programFiles = `C:\Program Files`
		}
		return []candidate{
			{BrowserChrome, filepath.Join(programFiles, `Google\Chrome\Application\chrome.exe`)},
			{BrowserEdge, filepath.Join(programFiles, `Microsoft\Edge\Application\msedge.exe`)},
			{BrowserBrave, filepath.Join(programFiles, `BraveSoftware\Brave-Browser\Application\brave.exe`)},
		}
	default:
		return []candidate{
			{BrowserChrome, "/usr/bin/google-chrome"},
			{BrowserChrome, "/usr/bin/google-chrome-stable"},
			{BrowserChromium, "/usr/bin/chromium"},
			{BrowserChromium, "/usr/bin/chromium-browser"},
			{BrowserBrave, "/usr/bin/brave-browser"},
			{BrowserEdge, "/usr/bin/microsoft-edge"},
		}
	}
}

// userDataDir returns the browser's real user data directory, where profile
// metadata lives. Empty when the platform layout is unknown.
func userDataDir(b Browser) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	switch goruntime.GOOS {
	case "darwin":
		base := filepath.Join(home, "Library", "Application Support")
		switch b {
		case BrowserChrome:
			return filepath.Join(base, "Google", "Chrome")
		case BrowserBrave:
			return filepath.Join(base, "BraveSoftware", "Brave-Browser")
		case BrowserEdge:
			return filepath.Join(base, "Microsoft Edge")
		case BrowserChromium:
			return filepath.Join(base, "Chromium")
		}
	case "linux":
		base := filepath.Join(home, ".config")
		switch b {
		case BrowserChrome:
			return filepath.Join(base, "google-chrome")
		case BrowserBrave:
			return filepath.Join(base, "BraveSoftware", "Brave-Browser")
		case BrowserEdge:
			return filepath.Join(base, "microsoft-edge")
		case BrowserChromium:
			return filepath.Join(base, "chromium")
		}
	}
	return ""
}

// localState is the subset of the browser's "Local State" file naming its
// profiles.
type localState struct {
	Profile struct {
		InfoCache map[string]struct {
			Name string `json:"name"`
		} `json:"info_cache"`
	} `json:"profile"`
}

// Detect scans well-known install paths and, for the first hit, lists the
// profiles recorded in its Local State file.
func Detect() Detection {
	for _, c := range installCandidates() {
		info, err := os.Stat(c.path)
		if err != nil || info.IsDir() {
			continue
		}
		return Detection{
			Available: true,
			Browser:   c.browser,
			Path:      c.path,
			Profiles:  readProfiles(c.browser),
		}
	}
	return Detection{Available: false}
}

func readProfiles(b Browser) []Profile {
	dir := userDataDir(b)
	if dir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(dir, "Local State"))
	if err != nil {
		return nil
	}
	var state localState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil
	}

	profiles := make([]Profile, 0, len(state.Profile.InfoCache))
	for id, info := range state.Profile.InfoCache {
		name := info.Name
		if name == "" {
			name = id
		}
		profiles = append(profiles, Profile{ID: id, Name: name})
	}
	return profiles
}
