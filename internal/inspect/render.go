package inspect

import (
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/swi-tools/swi-tools/internal/verify"
)

// stepIcon returns a colored icon for a verification step outcome.
func stepIcon(status string) string {
	switch status {
	case verify.StatusPass:
		return passStyle.Render("●")
	case verify.StatusFail:
		return failStyle.Render("✖")
	case verify.StatusSkip:
		return unknownStyle.Render("-")
	default:
		return unknownStyle.Render("?")
	}
}

// stepLabel returns a colored outcome label.
func stepLabel(status string) string {
	switch status {
	case verify.StatusPass:
		return passStyle.Render("PASS")
	case verify.StatusFail:
		return failStyle.Render("FAIL")
	case verify.StatusSkip:
		return unknownStyle.Render("SKIP")
	default:
		return unknownStyle.Render("UNKN")
	}
}

// renderSteps renders the verification step list with a pass count.
func renderSteps(steps []verify.Step) string {
	var b strings.Builder

	passCount := 0
	for _, s := range steps {
		if s.Status == verify.StatusPass {
			passCount++
		}
	}

	name := sectionNameStyle.Render("Verification steps")
	count := sectionCountStyle.Render(fmt.Sprintf("%d/%d pass", passCount, len(steps)))
	b.WriteString(fmt.Sprintf(" %s  %s\n", name, count))

	for _, s := range steps {
		b.WriteString(renderStep(s))
		b.WriteString("\n")
	}

	return b.String()
}

// renderStep renders a single step line, with the failure detail below it.
func renderStep(s verify.Step) string {
	icon := stepIcon(s.Status)
	label := stepLabel(s.Status)
	name := s.Name

	switch s.Status {
	case verify.StatusPass:
		name = dimStyle.Render(name)
	case verify.StatusFail:
		name = failStyle.Render(name)
	case verify.StatusSkip:
		name = unknownStyle.Render(name)
	}

	line := fmt.Sprintf("   %s %-44s %s", icon, name, label)
	if s.Status == verify.StatusFail && s.Detail != "" {
		line += "\n" + dimStyle.Render("       "+s.Detail)
	}
	return line
}

// renderVerdictBar renders the top-level verdict box.
func renderVerdictBar(insp *verify.Inspection) string {
	icon := passStyle.Render("●")
	msg := passStyle.Render(insp.Final.Message())
	if insp.Final != verify.Success {
		icon = failStyle.Render("✖")
		msg = failStyle.Render(insp.Final.Message())
	}
	code := dimStyle.Render(fmt.Sprintf("exit %d", int(insp.Final)))
	return verdictBoxStyle.Render(fmt.Sprintf("%s %s  %s", icon, msg, code))
}

// renderDetails renders what the inspection learned about the image.
func renderDetails(insp *verify.Inspection) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf(" %s\n", sectionNameStyle.Render("Image details")))
	kv := func(key, value string) {
		if value == "" {
			return
		}
		b.WriteString(fmt.Sprintf("   %s %s\n", dimStyle.Render(fmt.Sprintf("%-20s", key)), value))
	}

	kv("Signature member", insp.Member)
	if insp.Region.Size > 0 {
		kv("Signature region", fmt.Sprintf("offset %d, %d bytes", insp.Region.Offset, insp.Region.Size))
	}
	if len(insp.Members) > 0 {
		kv("Archive members", fmt.Sprintf("%d", len(insp.Members)))
	}
	if len(insp.Optims) > 0 {
		kv("Optimizations", strings.Join(insp.Optims, " "))
	}
	kv("Hash algorithm", insp.Record.Hash)
	kv("Record version", insp.Record.Version)
	kv("Signing certificate", certLine(insp.Cert))
	kv("Root certificate", certLine(insp.Root))

	for _, w := range insp.Warnings {
		b.WriteString(warnStyle.Render(fmt.Sprintf("   ! %s", w)))
		b.WriteString("\n")
	}

	return b.String()
}

// certLine describes a certificate by subject, falling back to the full
// distinguished name when there is no common name.
func certLine(c *x509.Certificate) string {
	if c == nil {
		return ""
	}
	if cn := c.Subject.CommonName; cn != "" {
		return cn
	}
	return c.Subject.String()
}
