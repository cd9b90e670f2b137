// Package intercept builds the client-side script injected into every proxied
// document. The script catches dynamic traffic the static rewrite cannot see
// (fetch, XMLHttpRequest, anchor clicks, GET form submissions, history
// updates, window.open) and
// routes it back through the proxy using the same resolution rules as the
// server-side rewriter.
package intercept

import (
	"encoding/json"
	"fmt"

	"render-proxy/internal/model"
)

// MessageType is the postMessage type sent to the embedding frame on navigation.
const MessageType = "NAVIGATE"

// Marker is set on window once the hooks are installed.
const Marker = "__renderProxyHooked"

type scriptConfig struct {
	ProxyBase string `json:"proxyBase"`
	PageURL   string `json:"pageURL"`
	Origin    string `json:"origin"`
	Scheme    string `json:"scheme"`
	Message   string `json:"message"`
	Marker    string `json:"marker"`
}

// Script returns the interception script body (without <script> tags) for a
// document described by rc.
func Script(rc model.RewriteContext) string {
	cfg := scriptConfig{
		ProxyBase: rc.ProxyBaseURL,
		PageURL:   rc.PageURL,
		Origin:    rc.Origin(),
		Scheme:    rc.OriginScheme,
		Message:   MessageType,
		Marker:    Marker,
	}
	// json.Marshal escapes <, > and & so the payload cannot close the script element.
	b, err := json.Marshal(cfg)
	if err != nil {
		b = []byte("{}")
	}
	return fmt.Sprintf(scriptTemplate, b)
}

const scriptTemplate = `(function () {
  var cfg = %s;
  if (window[cfg.marker]) { return; }
  window[cfg.marker] = true;

  var SKIP = /^\s*(javascript:|data:|blob:|#|mailto:|tel:)/i;
  var HTTP = /^https?:\/\//i;

  function isProxied(u) {
    return cfg.proxyBase !== "" && u.indexOf(cfg.proxyBase) === 0;
  }

  function resolve(u) {
    if (u === null || u === undefined) { return null; }
    u = String(u).replace(/^\s+|\s+$/g, "");
    if (u === "" || SKIP.test(u) || isProxied(u)) { return null; }
    if (u.indexOf("//") === 0) { return cfg.scheme + ":" + u; }
    if (u.charAt(0) === "/") { return cfg.origin + u; }
    if (HTTP.test(u)) { return u; }
    if (typeof URL === "function") {
      try { return new URL(u, cfg.pageURL).href; } catch (e) { return null; }
    }
    return null;
  }

  function route(path, u) {
    var abs = resolve(u);
    if (!abs || !HTTP.test(abs)) { return u; }
    return cfg.proxyBase + path + "?url=" + encodeURIComponent(abs);
  }

  function viaResource(u) { return route("/resource", u); }
  function viaProxy(u) { return route("/proxy", u); }

  function unwrap(u) {
    var m = /[?&]url=([^&#]*)/.exec(u);
    if (!m) { return null; }
    try { return decodeURIComponent(m[1].replace(/\+/g, " ")); } catch (e) { return null; }
  }

  var nativeFetch = window.fetch;
  if (typeof nativeFetch === "function") {
    window.fetch = function (input, init) {
      if (typeof input === "string") {
        input = viaResource(input);
      } else if (typeof URL === "function" && input instanceof URL) {
        input = viaResource(input.href);
      } else if (input && typeof input.url === "string" && typeof Request === "function") {
        input = new Request(viaResource(input.url), input);
      }
      return nativeFetch.call(this, input, init);
    };
  }

  if (typeof XMLHttpRequest === "function" && XMLHttpRequest.prototype) {
    var nativeOpen = XMLHttpRequest.prototype.open;
    XMLHttpRequest.prototype.open = function (method, u) {
      var args = Array.prototype.slice.call(arguments);
      if (args.length > 1) { args[1] = viaResource(String(u)); }
      return nativeOpen.apply(this, args);
    };
  }

  document.addEventListener("click", function (e) {
    if (e.defaultPrevented || e.button > 0 || e.metaKey || e.ctrlKey || e.shiftKey || e.altKey) { return; }
    var el = e.target;
    var a = el && el.closest ? el.closest("a[href]") : null;
    if (!a) { return; }
    var href = a.getAttribute("href");
    if (!href) { return; }
    var target = isProxied(href) ? unwrap(href) : resolve(href);
    if (!target || !HTTP.test(target)) { return; }
    e.preventDefault();
    if (window.parent && window.parent !== window) {
      window.parent.postMessage({ type: cfg.message, url: target }, "*");
    }
    window.location.href = viaProxy(target);
  }, true);

  function formQuery(form, submitter) {
    var pairs = [];
    function add(name, value) {
      pairs.push(encodeURIComponent(name) + "=" + encodeURIComponent(value === undefined || value === null ? "" : value));
    }
    var els = form.elements || [];
    for (var i = 0; i < els.length; i++) {
      var el = els[i];
      if (!el || !el.name || el.disabled) { continue; }
      var type = String(el.type || "").toLowerCase();
      if (type === "submit" || type === "button" || type === "reset" || type === "image" || type === "file") { continue; }
      if ((type === "checkbox" || type === "radio") && !el.checked) { continue; }
      if (el.multiple && el.options) {
        for (var j = 0; j < el.options.length; j++) {
          if (el.options[j].selected) { add(el.name, el.options[j].value); }
        }
        continue;
      }
      add(el.name, el.value);
    }
    if (submitter && submitter.name) { add(submitter.name, submitter.value); }
    return pairs.join("&");
  }

  // A GET submission replaces the action's query string, which would drop
  // the proxied url parameter, so the target is built here instead.
  document.addEventListener("submit", function (e) {
    if (e.defaultPrevented) { return; }
    var form = e.target;
    if (!form || !form.getAttribute) { return; }
    var method = String(form.getAttribute("method") || "get").toLowerCase();
    if (method !== "get") { return; }
    var action = form.getAttribute("action");
    var base = action ? (isProxied(action) ? unwrap(action) : resolve(action)) : cfg.pageURL;
    if (!base || !HTTP.test(base)) { return; }

    var hash = "";
    var i = base.indexOf("#");
    if (i >= 0) { hash = base.slice(i); base = base.slice(0, i); }
    i = base.indexOf("?");
    if (i >= 0) { base = base.slice(0, i); }
    var target = base + "?" + formQuery(form, e.submitter) + hash;

    e.preventDefault();
    if (window.parent && window.parent !== window) {
      window.parent.postMessage({ type: cfg.message, url: target }, "*");
    }
    window.location.href = viaProxy(target);
  }, true);

  function wrapHistory(name) {
    var h = window.history;
    if (!h || typeof h[name] !== "function") { return; }
    var native = h[name];
    h[name] = function (state, title, u) {
      var args = Array.prototype.slice.call(arguments);
      if (args.length > 2 && u !== null && u !== undefined) { args[2] = viaProxy(String(u)); }
      return native.apply(h, args);
    };
  }
  wrapHistory("pushState");
  wrapHistory("replaceState");

  var nativeOpenWindow = window.open;
  if (typeof nativeOpenWindow === "function") {
    window.open = function (u) {
      var args = Array.prototype.slice.call(arguments);
      if (args.length > 0 && u !== null && u !== undefined) { args[0] = viaProxy(String(u)); }
      return nativeOpenWindow.apply(window, args);
    };
  }
})();`
