// File: internal/surface/profile.go
// Package surface describes the research web application the controlled
// browser ships with. Everything volatile about that application - URLs,
// selectors, phrasing, the page-side collection scripts - lives here as
// data, so the connection and monitoring core never hardcodes any of it.
package surface

import "strings"

// Profile captures one target research surface.
type Profile struct {
	Name    string
	HomeURL string

	// PrimaryURLPatterns identify the user-facing research page. Substring
	// match, first listed pattern wins.
	PrimaryURLPatterns []string
	// OverlayURLPatterns identify companion extension/devtools surfaces
	// rendered as pages with internal schemes.
	OverlayURLPatterns []string

	// InputSelector locates the prompt input on the primary page.
	InputSelector string

	// Phrase sets feeding the progress classifier. All matched
	// case-insensitively against visible body text.
	WorkingPhrases   []string
	UIChromePhrases  []string
	BoilerplateLines []string
	LoggedOutPhrases []string
	LoggedInPhrases  []string

	// Page-side scripts. Each evaluates to a JSON string or a primitive.
	FocusInputJS      string
	SignalsJS         string
	RichBlocksJS      string
	ScrollBottomJS    string
	SubmitClickJS     string
	InputValueJS      string
	StopCancelJS      string
	StopIconJS        string
	AccountPresentJS  string
	ModeButtonJS      string
	ModeDropdownJS    string
	NewChatResetJS    string
	BadgeInjectJS     string
}

// MatchesPrimary reports whether a URL belongs to the primary research page.
func (p *Profile) MatchesPrimary(url string) bool {
	for _, pat := range p.PrimaryURLPatterns {
		if strings.Contains(url, pat) {
			return true
		}
	}
	return false
}

// MatchesOverlay reports whether an internal-scheme URL is a known
// companion overlay surface.
func (p *Profile) MatchesOverlay(url string) bool {
	for _, pat := range p.OverlayURLPatterns {
		if strings.Contains(url, pat) {
			return true
		}
	}
	return false
}

// Default returns the profile for the research surface bundled with the
// controlled browser.
func Default() *Profile {
	return &Profile{
		Name:    "perplexity",
		HomeURL: "https://www.perplexity.ai",

		PrimaryURLPatterns: []string{"perplexity.ai"},
		OverlayURLPatterns: []string{"chrome-extension://", "devtools://"},

		InputSelector: `div[contenteditable="true"][role="textbox"], textarea[placeholder]`,

		WorkingPhrases: []string{
			"searching the web",
			"browsing",
			"reading sources",
			"working on it",
			"thinking",
			"researching",
		},
		UIChromePhrases: []string{
			"ask anything",
			"ask a follow-up",
			"related questions",
			"share",
			"rewrite",
			"copy link",
			"sign in",
			"sign up",
			"upgrade",
		},
		BoilerplateLines: []string{
			"Was this helpful?",
			"Sources",
			"Related",
		},
		LoggedOutPhrases: []string{
			"sign in",
			"sign up",
			"log in",
			"create account",
			"continue with google",
		},
		LoggedInPhrases: []string{
			"new thread",
			"library",
			"your threads",
			"settings",
		},

		FocusInputJS: `(() => {
  const el = document.querySelector(
    'div[contenteditable="true"][role="textbox"], textarea[placeholder]');
  if (!el) return false;
  el.focus();
  return true;
})()`,

		SignalsJS: `(() => {
  const body = document.body ? document.body.innerText : '';
  const lower = body.toLowerCase();
  const stop = !!document.querySelector(
    'button[aria-label*="stop" i], button[aria-label*="cancel" i]');
  const spinner = !!document.querySelector(
    '[class*="animate-spin"], [role="progressbar"], [class*="loading-"]');
  const blocks = Array.from(document.querySelectorAll(
      'main p, main pre, main li, main h1, main h2, main h3, main table, main blockquote'))
    .filter(el => !el.closest('nav, aside, header, footer, form'));
  const last = blocks.length ? blocks[blocks.length - 1].innerText : '';
  return JSON.stringify({
    hasActiveStopControl: stop,
    hasSpinner: spinner,
    hasStepsCompleted: lower.includes('steps completed') || lower.includes('task completed'),
    hasSourcesReviewed: lower.includes('sources reviewed') || lower.includes('sources read'),
    hasFollowUpPrompt: lower.includes('ask a follow-up') || lower.includes('ask follow-up'),
    bodyText: body.slice(0, 40000),
    richBlockCount: blocks.length,
    lastBlockText: last.slice(0, 400)
  });
})()`,

		RichBlocksJS: `(() => {
  const blocks = Array.from(document.querySelectorAll(
      'main p, main pre, main ul, main ol, main h1, main h2, main h3, main table, main blockquote'))
    .filter(el => !el.closest('nav, aside, header, footer, form'))
    .map(el => el.innerText.trim())
    .filter(t => t.length > 0);
  return JSON.stringify(blocks);
})()`,

		ScrollBottomJS: `(() => { window.scrollTo(0, document.body.scrollHeight); return true; })()`,

		SubmitClickJS: `(() => {
  const btn = document.querySelector(
    'button[aria-label*="submit" i], button[aria-label*="send" i], button[type="submit"]');
  if (!btn || btn.disabled) return false;
  btn.click();
  return true;
})()`,

		InputValueJS: `(() => {
  const el = document.querySelector(
    'div[contenteditable="true"][role="textbox"], textarea[placeholder]');
  if (!el) return '';
  return (el.value !== undefined ? el.value : el.innerText) || '';
})()`,

		StopCancelJS: `(() => {
  const btn = Array.from(document.querySelectorAll('button')).find(b => {
    const label = ((b.getAttribute('aria-label') || '') + ' ' + b.innerText).toLowerCase();
    return label.includes('stop') || label.includes('cancel');
  });
  if (!btn) return false;
  btn.click();
  return true;
})()`,

		StopIconJS: `(() => {
  const btn = Array.from(document.querySelectorAll('button'))
    .find(b => b.querySelector('svg rect, svg [class*="square" i]'));
  if (!btn) return false;
  btn.click();
  return true;
})()`,

		AccountPresentJS: `(() => !!document.querySelector(
  'img[alt*="avatar" i], [aria-label*="account" i], [data-testid*="profile" i]'))()`,

		ModeButtonJS: `((mode) => {
  const btn = Array.from(document.querySelectorAll('button')).find(b =>
    b.innerText.trim().toLowerCase() === mode.toLowerCase());
  if (!btn) return false;
  btn.click();
  return true;
})(%q)`,

		ModeDropdownJS: `((mode) => {
  const trigger = document.querySelector(
    'button[aria-haspopup="menu"], button[aria-haspopup="listbox"]');
  if (!trigger) return false;
  trigger.click();
  const item = Array.from(document.querySelectorAll('[role="menuitem"], [role="option"]'))
    .find(el => el.innerText.trim().toLowerCase().includes(mode.toLowerCase()));
  if (!item) return false;
  item.click();
  return true;
})(%q)`,

		NewChatResetJS: `(() => {
  const btn = Array.from(document.querySelectorAll('a, button')).find(el => {
    const label = ((el.getAttribute('aria-label') || '') + ' ' + el.innerText).toLowerCase();
    return label.includes('new thread') || label.includes('new chat');
  });
  if (!btn) return false;
  btn.click();
  return true;
})()`,

		BadgeInjectJS: `(() => {
  if (document.getElementById('__bridge_badge')) return true;
  const el = document.createElement('div');
  el.id = '__bridge_badge';
  el.textContent = 'assistant connected';
  el.style.cssText = 'position:fixed;bottom:8px;right:8px;z-index:2147483647;' +
    'background:#1a73e8;color:#fff;font:11px sans-serif;padding:2px 8px;' +
    'border-radius:9px;opacity:.85;pointer-events:none';
  document.body.appendChild(el);
  return true;
})()`,
	}
}
