// Package notice holds the fixed texts sent to senders outside of generated
// replies.
package notice

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Texts may reference {limit} and {url}; Subscription and Warning fill them in.
type Texts struct {
	LimitWarning         string `yaml:"limit_warning"`
	SubscriptionLimit    string `yaml:"subscription_limit"`
	SubscriptionFallback string `yaml:"subscription_fallback"`
	Apology              string `yaml:"apology"`
}

// Defaults returns the built-in Spanish texts.
func Defaults() Texts {
	return Texts{
		LimitWarning: "⚠️ *Aviso:* te queda solo un mensaje gratuito después de este. " +
			"En tu próxima consulta te enviaremos el enlace para suscribirte al plan ilimitado.",
		SubscriptionLimit: "Has llegado al límite de {limit} mensajes gratuitos. " +
			"Para seguir conversando sin límites, suscríbete aquí:\n\n{url}",
		SubscriptionFallback: "Has llegado al límite de mensajes gratuitos. " +
			"Escríbenos al soporte para activar tu suscripción.",
		Apology: "Lo siento, algo falló al procesar tu mensaje. Inténtalo de nuevo en un rato.",
	}
}

// Load reads overrides from a YAML file on top of Defaults. An empty path
// returns the defaults.
func Load(path string) (Texts, error) {
	texts := Defaults()
	if strings.TrimSpace(path) == "" {
		return texts, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Texts{}, fmt.Errorf("notice: read %s: %w", path, err)
	}
	var override Texts
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Texts{}, fmt.Errorf("notice: parse %s: %w", path, err)
	}
	texts.merge(override)
	return texts, nil
}

func (t *Texts) merge(o Texts) {
	if o.LimitWarning != "" {
		t.LimitWarning = o.LimitWarning
	}
	if o.SubscriptionLimit != "" {
		t.SubscriptionLimit = o.SubscriptionLimit
	}
	if o.SubscriptionFallback != "" {
		t.SubscriptionFallback = o.SubscriptionFallback
	}
	if o.Apology != "" {
		t.Apology = o.Apology
	}
}

// Subscription renders the limit notice, or the fallback when url is empty.
func (t Texts) Subscription(limit int, url string) string {
	url = strings.TrimSpace(url)
	if url == "" {
		return render(t.SubscriptionFallback, limit, "")
	}
	return render(t.SubscriptionLimit, limit, url)
}

// Warning renders the limit warning.
func (t Texts) Warning(limit int) string {
	return render(t.LimitWarning, limit, "")
}

func render(text string, limit int, url string) string {
	return strings.NewReplacer("{limit}", strconv.Itoa(limit), "{url}", url).Replace(text)
}
