package generate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"specforge/internal/invariant"
	"specforge/internal/spec"
)

// Ids rendered as the landing and home views.
const (
	AppComponent = spec.ComponentPrefix + "App"
	HomeRoute    = spec.RoutePrefix + "Home"
)

// CycleError reports a component that contains itself.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "component cycle: " + strings.Join(e.Path, " -> ")
}

// kind is the closed set of component renderers. Unknown names render as a
// plain container of their children.
type kind int

const (
	kindContainer kind = iota
	kindLandingPage
	kindLoginForm
	kindSignupForm
	kindNavBar
	kindActivityFeed
	kindSocialLogins
)

var kindsByName = map[string]kind{
	"LandingPage":  kindLandingPage,
	"LoginForm":    kindLoginForm,
	"SignupForm":   kindSignupForm,
	"NavBar":       kindNavBar,
	"ActivityFeed": kindActivityFeed,
	"SocialLogins": kindSocialLogins,
}

type renderer struct {
	store *spec.Store
	dir   string
	stack []string // component ids on the current render path
}

func (r *renderer) component(id string) (string, error) {
	for i, onPath := range r.stack {
		if onPath == id {
			cycle := append(append([]string{}, r.stack[i:]...), id)
			return "", &CycleError{Path: cycle}
		}
	}
	c, err := r.store.Component(r.dir, id)
	if err != nil {
		return "", err
	}
	r.stack = append(r.stack, id)
	defer func() { r.stack = r.stack[:len(r.stack)-1] }()

	k := kindsByName[c.Name]
	class := strings.ToLower(c.Name) + "-container"
	if k == kindLandingPage {
		class = "landing-container"
	}

	var b strings.Builder
	b.WriteString("<div class='" + html.EscapeString(class) + "'>")
	switch k {
	case kindLandingPage:
		if err := r.landingPage(&b, c); err != nil {
			return "", err
		}
		b.WriteString("</div>")
		return b.String(), nil
	case kindSocialLogins:
		socialColumn(&b)
	case kindLoginForm:
		b.WriteString("<form id='login-form' class='login-form'><h2>Login</h2>" +
			"<input type='email' name='email' placeholder='Email' required>" +
			"<input type='password' name='password' placeholder='Password' required>" +
			"<button type='submit'>Login</button><p class='form-error' data-error='login'></p></form>")
	case kindSignupForm:
		b.WriteString("<form id='signup-form' class='signup-form'><h2>Sign Up</h2>" +
			"<input type='text' name='name' placeholder='Name' required>" +
			"<input type='email' name='email' placeholder='Email' required>" +
			"<input type='password' name='password' placeholder='Password' required>" +
			"<button type='submit'>Sign Up</button><p class='form-error' data-error='signup'></p></form>")
	case kindNavBar:
		b.WriteString("<nav class='navbar'><strong>" + html.EscapeString(titleOr(c, "Home")) + "</strong>" +
			"<button id='logout-btn' type='button'>Log out</button></nav>")
	case kindActivityFeed:
		b.WriteString("<section class='activity-feed'><h2>" + html.EscapeString(titleOr(c, "Recent Activities")) + "</h2>" +
			"<ul class='activity-list'><li class='activity-empty'>No activities yet</li></ul></section>")
	}
	for _, child := range c.Children {
		out, err := r.component(child)
		if err != nil {
			return "", err
		}
		b.WriteString(out)
	}
	b.WriteString("</div>")
	return b.String(), nil
}

// landingPage renders the welcome header, social column and the tabbed auth
// column embedding the login and signup forms. Children are not rendered.
func (r *renderer) landingPage(b *strings.Builder, c *spec.Component) error {
	login, err := r.component(spec.ComponentPrefix + "LoginForm")
	if err != nil {
		return err
	}
	signup, err := r.component(spec.ComponentPrefix + "SignupForm")
	if err != nil {
		return err
	}
	b.WriteString("<h1>" + html.EscapeString(titleOr(c, "Welcome")) + "</h1>")
	b.WriteString("<div class='landing-image-col' aria-hidden='true'></div>")
	socialColumn(b)
	b.WriteString("<div class='auth-col'><h2 class='auth-title'>Account Access</h2>")
	b.WriteString("<div class='auth-tabs'>" +
		"<button class='auth-tab active' type='button' data-tab='login'>Login</button>" +
		"<button class='auth-tab' type='button' data-tab='signup'>Sign up</button></div>")
	b.WriteString("<div class='auth-panel active' data-panel='login'>" + login + "</div>")
	b.WriteString("<div class='auth-panel' data-panel='signup'>" + signup + "</div>")
	b.WriteString("</div>")
	return nil
}

var socialProviders = []string{"Google", "Apple", "Facebook", "X"}

func socialColumn(b *strings.Builder) {
	b.WriteString("<div class='social-col'><h2>Continue with Social</h2>")
	for _, p := range socialProviders {
		b.WriteString("<button class='social-btn' type='button'>Continue with " + p + "</button>")
	}
	b.WriteString("</div>")
}

func titleOr(c *spec.Component, fallback string) string {
	if t := strings.TrimSpace(c.Title); t != "" {
		return t
	}
	return fallback
}

func (r *renderer) route(id string) (string, error) {
	rt, err := r.store.Route(r.dir, id)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("<div class='route-" + html.EscapeString(strings.ToLower(rt.Name)) + "'>")
	for _, cid := range rt.Components {
		out, err := r.component(cid)
		if err != nil {
			return "", err
		}
		b.WriteString(out)
	}
	b.WriteString("</div>")
	return b.String(), nil
}

// ---------------------------------------------------------------------------
// bundle
// ---------------------------------------------------------------------------

// disabledContract stands in for the auth contract when no backend is built.
var disabledContract = json.RawMessage(`{"baseUrl":"__DISABLED__",` +
	`"login":{"method":"POST","route":"/__disabled__/login"},` +
	`"signup":{"method":"POST","route":"/__disabled__/signup"}}`)

type frontend struct {
	bundle      []byte
	style       []byte
	authEnabled bool
	styleCount  int
}

func buildFrontend(store *spec.Store, r *invariant.Result, dir string) (*frontend, error) {
	rd := &renderer{store: store, dir: dir}
	appHTML, err := rd.component(AppComponent)
	if err != nil {
		return nil, err
	}
	homeHTML, err := rd.route(HomeRoute)
	if err != nil {
		return nil, err
	}

	fe := &frontend{}
	contract := disabledContract
	if r.AuthContract != nil {
		contract, err = r.AuthContract.Document().MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode auth contract: %w", err)
		}
		fe.authEnabled = true
	}

	var buf bytes.Buffer
	err = templates.ExecuteTemplate(&buf, "bundle.js.tmpl", map[string]any{
		"AppHTML":     jsString(appHTML),
		"HomeHTML":    jsString(homeHTML),
		"Contract":    string(contract),
		"AuthEnabled": fe.authEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("render bundle: %w", err)
	}
	fe.bundle = buf.Bytes()

	fe.style, fe.styleCount, err = buildStyles(store, r.Frontend, dir)
	if err != nil {
		return nil, err
	}
	return fe, nil
}

// buildStyles concatenates the css of every style in manifest order, each
// followed by a newline.
func buildStyles(store *spec.Store, manifest spec.Document, dir string) ([]byte, int, error) {
	var ids []string
	if manifest.Has("styles") {
		var err error
		if ids, err = manifest.Strings("styles"); err != nil {
			return nil, 0, fmt.Errorf("frontend manifest styles: %w", err)
		}
	}
	var b bytes.Buffer
	for _, id := range ids {
		st, err := store.Style(dir, id)
		if err != nil {
			return nil, 0, err
		}
		b.WriteString(st.CSS)
		b.WriteByte('\n')
	}
	return append([]byte{}, b.Bytes()...), len(ids), nil
}

// jsString encodes s as a JavaScript string literal.
func jsString(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimRight(buf.String(), "\n")
}
