package services

import (
	"log"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// EmergencyBanner is prepended to the chat reply when an emergency is
// detected. Prepending is idempotent: a reply already carrying the banner
// is left untouched.
const EmergencyBanner = "🚨 **Emergency Alert**\n" +
	"This may be a medical emergency.\n" +
	"Please call emergency services (**911** or local emergency number) immediately.\n\n"

// defaultKeywords covers English, Roman Urdu, and Urdu script phrasings of
// life-threatening situations. A YAML policy file can replace the list at
// runtime.
var defaultKeywords = []string{
	// English
	"chest pain",
	"can't breathe",
	"cannot breathe",
	"difficulty breathing",
	"shortness of breath",
	"severe bleeding",
	"heavy bleeding",
	"unconscious",
	"not breathing",
	"heart attack",
	"stroke",
	"seizure",
	"suicide",
	"overdose",
	"choking",
	"severe allergic reaction",
	"anaphylaxis",
	// Roman Urdu
	"saans nahi aa rahi",
	"seenay mein dard",
	"dil ka dora",
	"behosh",
	"khoon beh raha",
	// Urdu script
	"دل کا دورہ",
	"سانس نہیں",
	"سینے میں درد",
	"بے ہوش",
	"خون بہہ رہا",
	"فالج",
}

// keywordPolicy is the YAML shape of an external keyword file.
type keywordPolicy struct {
	Keywords []string `yaml:"keywords"`
}

// EmergencyDetector flags messages describing medical emergencies via
// case-insensitive substring matching.
type EmergencyDetector struct {
	mu       sync.RWMutex
	keywords []string
	watcher  *fsnotify.Watcher
}

// NewEmergencyDetector builds a detector with the built-in keyword list.
func NewEmergencyDetector() *EmergencyDetector {
	keywords := make([]string, len(defaultKeywords))
	for i, k := range defaultKeywords {
		keywords[i] = strings.ToLower(k)
	}
	return &EmergencyDetector{keywords: keywords}
}

// LoadPolicyFile replaces the keyword list from a YAML file and watches it
// for changes, reloading on every write. An unreadable file keeps the
// current list.
func (d *EmergencyDetector) LoadPolicyFile(path string) error {
	if err := d.reload(path); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}
	d.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := d.reload(path); err != nil {
						log.Printf("⚠️ [EMERGENCY] Reload of %s failed: %v", path, err)
					} else {
						log.Printf("🔄 [EMERGENCY] Keyword policy reloaded from %s", path)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️ [EMERGENCY] Watcher error: %v", err)
			}
		}
	}()

	return nil
}

func (d *EmergencyDetector) reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var policy keywordPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return err
	}
	if len(policy.Keywords) == 0 {
		return nil
	}

	keywords := make([]string, len(policy.Keywords))
	for i, k := range policy.Keywords {
		keywords[i] = strings.ToLower(strings.TrimSpace(k))
	}

	d.mu.Lock()
	d.keywords = keywords
	d.mu.Unlock()
	return nil
}

// Close stops the policy file watcher, if one is running.
func (d *EmergencyDetector) Close() {
	if d.watcher != nil {
		d.watcher.Close()
	}
}

// Detect reports whether the message contains an emergency keyword.
func (d *EmergencyDetector) Detect(message string) bool {
	lowered := strings.ToLower(message)

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, kw := range d.keywords {
		if kw != "" && strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// DetectLanguage classifies a message as Urdu when it contains Arabic-script
// characters, English otherwise.
func DetectLanguage(message string) string {
	for _, r := range message {
		if r >= 0x0600 && r <= 0x06FF {
			return "ur"
		}
	}
	return "en"
}

// UrgentMessage is the language-matched instruction placed in the advice of
// an emergency response.
func UrgentMessage(language string) string {
	if language == "ur" {
		return "⚠️ فوری طور پر ایمرجنسی سروسز یا قریبی ہسپتال سے رابطہ کریں۔"
	}
	return "⚠️ Contact emergency services or go to the nearest hospital immediately."
}

// PrependBanner adds the emergency banner to a reply exactly once.
func PrependBanner(reply string) string {
	if strings.HasPrefix(reply, EmergencyBanner) {
		return reply
	}
	return EmergencyBanner + reply
}
