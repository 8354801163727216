package browser

// CommentSelectors are probed in order when looking for the comment box.
var CommentSelectors = []string{
	`div[contenteditable="true"][role="textbox"]`,
	`div[contenteditable="true"][data-lexical-editor="true"]`,
	`div[aria-label*="comment" i][contenteditable="true"]`,
	`div[aria-label*="Comment" i][contenteditable="true"]`,
	`div[aria-label*="Write a comment" i][contenteditable="true"]`,
	`div[contenteditable="true"][spellcheck="true"]`,
	`[role="textbox"][contenteditable="true"]`,
	`[contenteditable="true"]`,
}

const (
	scrollBottomScript = `() => window.scrollTo(0, document.body.scrollHeight)`
	scrollTopScript    = `() => window.scrollTo(0, 0)`

	isEditableScript = `el => el.contentEditable === 'true' ||
		el.tagName === 'TEXTAREA' ||
		el.tagName === 'INPUT'`

	// fillScript receives the element and the message.
	fillScript = `(element, message) => {
		element.scrollIntoView({behavior: 'smooth', block: 'center'});
		element.focus();
		element.click();
		if (element.tagName === 'DIV') {
			element.textContent = message;
			element.innerHTML = message;
		} else {
			element.value = message;
		}
		element.dispatchEvent(new Event('input', { bubbles: true }));
		element.dispatchEvent(new Event('change', { bubbles: true }));
		element.dispatchEvent(new InputEvent('input', { bubbles: true, data: message }));
	}`

	submitScript = `element => {
		element.focus();
		const init = { key: 'Enter', code: 'Enter', keyCode: 13, which: 13, bubbles: true };
		['keydown', 'keypress', 'keyup'].forEach(type => element.dispatchEvent(new KeyboardEvent(type, init)));
	}`
)
