package browser

// observerScript is installed on every new document and re-evaluated on
// attach. It tags candidate containers with stable ids, reports added
// containers and quick-mark interactions through the runtime binding, and
// tracks SPA navigations that never reload the document.
const observerScript = `(function () {
  if (window.__sentinelInstalled) return;
  window.__sentinelInstalled = true;
  window.__sentinelActive = true;

  var nextCid = 1;
  var CONTAINER = 'article[data-testid="tweet"], article[role="article"]';

  function report(obj) {
    if (typeof window.__sentinelReport === 'function') {
      window.__sentinelReport(JSON.stringify(obj));
    }
  }

  function tag(node) {
    if (!node.hasAttribute('data-sentinel-cid')) {
      node.setAttribute('data-sentinel-cid', 'c' + (nextCid++));
    }
    return node.getAttribute('data-sentinel-cid');
  }

  window.__sentinelTagAll = function () {
    var count = 0;
    document.querySelectorAll(CONTAINER).forEach(function (node) {
      tag(node);
      count++;
    });
    return count;
  };

  function reportContainer(node) {
    var cid = tag(node);
    report({ type: 'container', cid: cid, html: node.outerHTML });
  }

  var observer = new MutationObserver(function (mutations) {
    if (!window.__sentinelActive) return;
    mutations.forEach(function (mutation) {
      mutation.addedNodes.forEach(function (node) {
        if (node.nodeType !== 1) return;
        if (node.matches && node.matches(CONTAINER)) {
          reportContainer(node);
          return;
        }
        if (node.querySelectorAll) {
          node.querySelectorAll(CONTAINER).forEach(reportContainer);
        }
      });
    });
  });
  observer.observe(document.documentElement, { childList: true, subtree: true });

  document.addEventListener('click', function (event) {
    var mark = event.target.closest('[data-sentinel-mark]');
    if (mark) {
      event.preventDefault();
      event.stopPropagation();
      var container = mark.closest('[data-sentinel-cid]');
      report({
        type: 'markclick',
        cid: container ? container.getAttribute('data-sentinel-cid') : '',
        username: mark.getAttribute('data-sentinel-user') || ''
      });
      return;
    }
    var item = event.target.closest('[data-sentinel-menu-item]');
    if (item) {
      event.preventDefault();
      event.stopPropagation();
      var menu = item.closest('[data-sentinel-menu]');
      report({
        type: 'quickmark',
        cid: item.getAttribute('data-sentinel-for') || '',
        username: item.getAttribute('data-sentinel-user') || '',
        ruleId: item.getAttribute('data-sentinel-rule') || ''
      });
      if (menu) menu.remove();
      return;
    }
    document.querySelectorAll('[data-sentinel-menu]').forEach(function (menu) {
      menu.remove();
    });
  }, true);

  function reportNavigation() {
    report({ type: 'navigated', location: window.location.href });
  }
  var push = history.pushState;
  history.pushState = function () {
    push.apply(this, arguments);
    reportNavigation();
  };
  var replace = history.replaceState;
  history.replaceState = function () {
    replace.apply(this, arguments);
    reportNavigation();
  };
  window.addEventListener('popstate', reportNavigation);
})();`
