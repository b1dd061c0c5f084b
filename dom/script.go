package dom

import "fmt"

// Capture limits for SnapshotScript.
const (
	DefaultMaxNodes   = 6000
	DefaultMaxTextLen = 400
)

// snapshotJS serializes the elements under <body> into the Snapshot schema.
// Past maxNodes only the last maxNodes elements in document order are kept,
// since new chat lines are appended at the end. innerText is only computed for
// elements whose textContent is short, since that is the expensive call and
// only message bubbles need it.
const snapshotJS = `() => {
	const maxNodes = %d, maxText = %d;
	const all = document.body ? document.body.getElementsByTagName('*') : [];
	const start = Math.max(0, all.length - maxNodes);
	const index = new Map();
	for (let i = start; i < all.length; i++) index.set(all[i], i - start);
	const nodes = [];
	for (let i = start; i < all.length; i++) {
		const el = all[i];
		const parent = el.parentElement && index.has(el.parentElement) ? index.get(el.parentElement) : -1;
		let own = '';
		for (const c of el.childNodes) if (c.nodeType === 3) own += c.textContent;
		const tc = el.textContent || '';
		const r = el.getBoundingClientRect();
		const style = window.getComputedStyle(el);
		nodes.push({
			id: i - start,
			parent: parent,
			tag: el.tagName.toLowerCase(),
			class: typeof el.className === 'string' ? el.className : (el.getAttribute('class') || ''),
			ownText: own.trim().slice(0, 200),
			text: tc.length <= maxText ? (el.innerText || '') : '',
			textLength: tc.length,
			rect: {x: r.left, y: r.top, width: r.width, height: r.height},
			scrollHeight: el.scrollHeight,
			clientHeight: el.clientHeight,
			overflowY: style ? style.overflowY : '',
			childCount: el.children.length,
		});
	}
	return JSON.stringify({viewportWidth: window.innerWidth, viewportHeight: window.innerHeight, totalNodes: all.length, truncated: start > 0, nodes: nodes});
}`

// SnapshotScript returns the in-page function that produces a Snapshot as a JSON string.
func SnapshotScript(maxNodes, maxTextLen int) string {
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	if maxTextLen <= 0 {
		maxTextLen = DefaultMaxTextLen
	}
	return fmt.Sprintf(snapshotJS, maxNodes, maxTextLen)
}
